package livereload_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"nhooyr.io/websocket"

	"github.com/angeloszaimis/devserver/internal/livereload"
	"github.com/angeloszaimis/devserver/pkg/logger"
)

var _ = Describe("Live reload", func() {
	var (
		hub    *livereload.Hub
		server *httptest.Server
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		hub = livereload.NewHub(logger.Discard())
		server = httptest.NewServer(hub)
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	dial := func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + livereload.Endpoint
		conn, _, err := websocket.Dial(ctx, url, nil)
		Expect(err).NotTo(HaveOccurred())
		return conn
	}

	readMessage := func(conn *websocket.Conn) livereload.Message {
		typ, data, err := conn.Read(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(typ).To(Equal(websocket.MessageText))

		var msg livereload.Message
		Expect(json.Unmarshal(data, &msg)).To(Succeed())
		return msg
	}

	Describe("Hub", func() {
		It("should track connected clients", func() {
			conn := dial()
			Eventually(hub.Clients).Should(Equal(1))

			conn.Close(websocket.StatusNormalClosure, "")
			Eventually(hub.Clients).Should(Equal(0))
		})

		It("should broadcast to every client", func() {
			a := dial()
			defer a.CloseNow()
			b := dial()
			defer b.CloseNow()
			Eventually(hub.Clients).Should(Equal(2))

			hub.Broadcast(livereload.Message{Type: "reload", Path: "/index.html"})

			Expect(readMessage(a)).To(Equal(livereload.Message{Type: "reload", Path: "/index.html"}))
			Expect(readMessage(b)).To(Equal(livereload.Message{Type: "reload", Path: "/index.html"}))
		})

		It("should not block when nobody is listening", func() {
			done := make(chan struct{})
			go func() {
				hub.Broadcast(livereload.Message{Type: "reload"})
				close(done)
			}()
			Eventually(done).Should(BeClosed())
		})
	})

	Describe("Watcher", func() {
		var root string

		BeforeEach(func() {
			root = GinkgoT().TempDir()
			Expect(os.MkdirAll(filepath.Join(root, "assets"), 0755)).To(Succeed())
		})

		It("should send one reload for a burst of changes", func() {
			watcher := livereload.NewWatcher(root, hub, 50*time.Millisecond, logger.Discard())
			go watcher.Run(ctx)

			conn := dial()
			defer conn.CloseNow()
			Eventually(hub.Clients).Should(Equal(1))
			time.Sleep(50 * time.Millisecond)

			Expect(os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("a"), 0644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("b"), 0644)).To(Succeed())

			msg := readMessage(conn)
			Expect(msg.Type).To(Equal("reload"))
			Expect(msg.Path).To(Equal("/assets/app.js"))

			readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
			defer readCancel()
			_, _, err := conn.Read(readCtx)
			Expect(err).To(HaveOccurred())
		})

		It("should ignore hidden files", func() {
			watcher := livereload.NewWatcher(root, hub, 20*time.Millisecond, logger.Discard())
			go watcher.Run(ctx)

			conn := dial()
			defer conn.CloseNow()
			Eventually(hub.Clients).Should(Equal(1))
			time.Sleep(50 * time.Millisecond)

			Expect(os.WriteFile(filepath.Join(root, ".index.html.swp"), []byte("x"), 0644)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(root, "index.html"), []byte("<body></body>"), 0644)).To(Succeed())

			Expect(readMessage(conn).Path).To(Equal("/index.html"))
		})

		It("should fail when the root does not exist", func() {
			watcher := livereload.NewWatcher(filepath.Join(root, "missing"), hub, time.Millisecond, logger.Discard())
			Expect(watcher.Run(ctx)).NotTo(Succeed())
		})

		It("should return when the context is cancelled", func() {
			watcher := livereload.NewWatcher(root, hub, time.Millisecond, logger.Discard())
			done := make(chan error, 1)
			go func() { done <- watcher.Run(ctx) }()

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
