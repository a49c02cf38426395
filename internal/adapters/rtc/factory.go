package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/core"
)

// Factory builds one transport per negotiation attempt, sharing a
// webrtc API configured to log through zerolog.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(iceURLs []string) *Factory {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = &zerologFactory{}
	return &Factory{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg: DefaultConfig(iceURLs),
	}
}

func (f *Factory) NewTransport() (core.PeerTransport, error) {
	t, err := NewWebRTCTransport(f.api, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return t, nil
}

// zerologFactory routes pion's internal logs into the global zerolog
// logger, scoped under the rtc module.
type zerologFactory struct{}

func (f *zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: log.With().Str("module", "rtc."+scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debug().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Info().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
