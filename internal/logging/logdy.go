package logging

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/logdyhq/logdy-core/logdy"

	"threatwatch-service/internal/config"
)

// logdySink forwards each zerolog line to the embedded logdy viewer.
type logdySink struct {
	ld logdy.Logdy
}

func (s *logdySink) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	if len(line) > 0 {
		s.ld.LogString(string(line))
	}
	return len(p), nil
}

// StartLogdy serves the logdy UI on LogdyHost:LogdyPort and returns a writer
// feeding it along with the UI address. The port must be valid and free.
func StartLogdy(cfg config.LogConfig) (io.Writer, string, error) {
	if cfg.LogdyPort <= 0 || cfg.LogdyPort > 65535 {
		return nil, "", fmt.Errorf("invalid logdy port %d", cfg.LogdyPort)
	}
	port := strconv.Itoa(cfg.LogdyPort)
	addr := net.JoinHostPort(cfg.LogdyHost, port)

	// logdy listens in the background and never reports bind errors
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("logdy address %s unavailable: %w", addr, err)
	}
	_ = ln.Close()

	ld := logdy.InitializeLogdy(logdy.Config{
		ServerIp:   cfg.LogdyHost,
		ServerPort: port,
	}, nil)

	return &logdySink{ld: ld}, "http://" + addr, nil
}
