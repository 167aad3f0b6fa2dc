package static

import "strconv"

func liveReloadScript(endpoint string) string {
	return `<script type="module">` +
		`(function(){` +
		`var scheme=location.protocol==="https:"?"wss:":"ws:";` +
		`function connect(){` +
		`var ws=new WebSocket(scheme+"//"+location.host+` + strconv.Quote(endpoint) + `);` +
		`ws.onmessage=function(e){try{if(JSON.parse(e.data).type==="reload"){location.reload()}}catch(_){}};` +
		`ws.onclose=function(){setTimeout(connect,1000)};` +
		`}` +
		`connect();` +
		`})();` +
		`</script>`
}
