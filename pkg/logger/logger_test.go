package logger_test

import (
	"bytes"
	"context"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/devserver/pkg/logger"
)

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
	})

	Describe("New", func() {
		It("should respect the configured level", func() {
			log := logger.New(logger.Options{Level: "warn", Output: buf})

			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(context.Background(), slog.LevelWarn)).To(BeTrue())
		})

		It("should default to info for an unknown level", func() {
			log := logger.New(logger.Options{Level: "loud", Output: buf})

			Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeFalse())
			Expect(log.Enabled(context.Background(), slog.LevelInfo)).To(BeTrue())
		})

		It("should write text in dev", func() {
			log := logger.New(logger.Options{Environment: "dev", Output: buf})
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("msg=hello"))
			Expect(buf.String()).To(ContainSubstring("environment=dev"))
		})

		It("should write JSON in prod", func() {
			log := logger.New(logger.Options{Environment: "prod", Output: buf})
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring(`"msg":"hello"`))
			Expect(buf.String()).To(ContainSubstring(`"environment":"prod"`))
		})

		It("should let an explicit format win over the environment", func() {
			log := logger.New(logger.Options{Environment: "prod", Format: "text", Output: buf})
			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("msg=hello"))
		})
	})

	Describe("ParseLevel", func() {
		DescribeTable("level names",
			func(name string, want slog.Level) {
				Expect(logger.ParseLevel(name)).To(Equal(want))
			},
			Entry("debug", "debug", slog.LevelDebug),
			Entry("upper case", "WARN", slog.LevelWarn),
			Entry("error", "error", slog.LevelError),
			Entry("empty", "", slog.LevelInfo),
		)
	})
})
