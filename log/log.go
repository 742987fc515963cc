package log

import (
	"github.com/pkg/errors"

	"github.com/hatlonely/fieldflow/log/logger"
	"github.com/hatlonely/fieldflow/log/writer"
	"github.com/hatlonely/fieldflow/refx"
)

const (
	LoggerNamespace = "github.com/hatlonely/fieldflow/log/logger"
	WriterNamespace = "github.com/hatlonely/fieldflow/log/writer"
)

var defaultLogger logger.Logger

func init() {
	refx.MustRegister(LoggerNamespace, "SLog", logger.NewSLogWithOptions)
	refx.MustRegister(WriterNamespace, "ConsoleWriter", writer.NewConsoleWriterWithOptions)
	refx.MustRegister(WriterNamespace, "FileWriter", writer.NewFileWriterWithOptions)
	refx.MustRegister(WriterNamespace, "MultiWriter", writer.NewMultiWriterWithOptions)

	// 默认向终端输出 text 格式日志
	slog, err := logger.NewSLogWithOptions(&logger.SLogOptions{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	defaultLogger = slog
}

func Default() logger.Logger {
	return defaultLogger
}

// NewLoggerWithOptions 根据配置创建日志器，options 为空时返回默认日志器
// Namespace 为空时使用本包的日志器命名空间
func NewLoggerWithOptions(options *refx.TypeOptions) (logger.Logger, error) {
	if options == nil || options.Type == "" {
		return defaultLogger, nil
	}
	if options.Namespace == "" {
		options = &refx.TypeOptions{Namespace: LoggerNamespace, Type: options.Type, Options: options.Options}
	}
	l, err := refx.NewT[logger.Logger](options)
	if err != nil {
		return nil, errors.WithMessage(err, "refx.NewT failed")
	}
	return l, nil
}
