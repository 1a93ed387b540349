// Package backends maps a tool's kind to the protocol backend that serves
// it. Per-kind configuration is validated before construction; no
// connection is opened here.
package backends

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/harun/toolengine/pkg/backends/file"
	"github.com/harun/toolengine/pkg/backends/modbus"
	"github.com/harun/toolengine/pkg/backends/mqtt"
	"github.com/harun/toolengine/pkg/backends/twin"
	"github.com/harun/toolengine/pkg/backends/web"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/spf13/afero"
)

// ErrMissingConfig is returned when a tool lacks the config of its kind.
var ErrMissingConfig = errors.New("missing backend config")

// Factory builds backends for tools. It implements toolexecutor.BackendFactory.
type Factory struct {
	validate     *validator.Validate
	fs           afero.Fs
	twinStore    twin.Store
	modbusDialer modbus.Dialer
	mqttSessions mqtt.SessionFactory
}

type Option func(*Factory)

// WithFs sets the filesystem file backends operate on.
func WithFs(fs afero.Fs) Option {
	return func(f *Factory) { f.fs = fs }
}

// WithTwinStore sets the store twin backends query.
func WithTwinStore(store twin.Store) Option {
	return func(f *Factory) { f.twinStore = store }
}

func WithModbusDialer(d modbus.Dialer) Option {
	return func(f *Factory) { f.modbusDialer = d }
}

func WithMQTTSessionFactory(s mqtt.SessionFactory) Option {
	return func(f *Factory) { f.mqttSessions = s }
}

func NewFactory(opts ...Option) *Factory {
	f := &Factory{validate: validator.New()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ toolexecutor.BackendFactory = (*Factory)(nil)

// Create builds the backend for tool, named after tool.BackendName().
func (f *Factory) Create(tool *toolexecutor.Tool) (toolexecutor.Backend, error) {
	if err := f.ValidateConfig(tool); err != nil {
		return nil, err
	}
	name := tool.BackendName()

	switch tool.Type.Kind {
	case toolexecutor.KindFile:
		var opts []file.Option
		if f.fs != nil {
			opts = append(opts, file.WithFs(f.fs))
		}
		return built(file.New(name, *tool.Type.File, opts...))

	case toolexecutor.KindHTTP:
		return built(web.New(name, *tool.Type.HTTP))

	case toolexecutor.KindModbus:
		var opts []modbus.Option
		if f.modbusDialer != nil {
			opts = append(opts, modbus.WithDialer(f.modbusDialer))
		}
		return built(modbus.New(name, *tool.Type.Modbus, opts...))

	case toolexecutor.KindMQTT:
		var opts []mqtt.Option
		if f.mqttSessions != nil {
			opts = append(opts, mqtt.WithSessionFactory(f.mqttSessions))
		}
		return built(mqtt.New(name, *tool.Type.MQTT, opts...))

	case toolexecutor.KindTwinQuery:
		if f.twinStore == nil {
			return nil, fmt.Errorf("tool %s: no twin store configured", tool.ID)
		}
		return built(twin.New(name, *tool.Type.Twin, f.twinStore))
	}
	return nil, fmt.Errorf("tool %s: unknown kind %q", tool.ID, tool.Type.Kind)
}

// built avoids handing out a typed nil backend on error.
func built[B toolexecutor.Backend](b B, err error) (toolexecutor.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateConfig checks that tool carries a valid config for its kind.
func (f *Factory) ValidateConfig(tool *toolexecutor.Tool) error {
	var cfg interface{}
	switch tool.Type.Kind {
	case toolexecutor.KindFile:
		if tool.Type.File != nil {
			cfg = tool.Type.File
		}
	case toolexecutor.KindHTTP:
		if tool.Type.HTTP != nil {
			cfg = tool.Type.HTTP
		}
	case toolexecutor.KindModbus:
		if tool.Type.Modbus != nil {
			cfg = tool.Type.Modbus
		}
	case toolexecutor.KindMQTT:
		if tool.Type.MQTT != nil {
			cfg = tool.Type.MQTT
		}
	case toolexecutor.KindTwinQuery:
		if tool.Type.Twin != nil {
			cfg = tool.Type.Twin
		}
	default:
		return fmt.Errorf("tool %s: unknown kind %q", tool.ID, tool.Type.Kind)
	}
	if cfg == nil {
		return fmt.Errorf("tool %s: %w for kind %s", tool.ID, ErrMissingConfig, tool.Type.Kind)
	}

	if err := f.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("tool %s: invalid %s config: %s", tool.ID, tool.Type.Kind, strings.Join(msgs, ", "))
		}
		return fmt.Errorf("tool %s: invalid %s config: %w", tool.ID, tool.Type.Kind, err)
	}
	return nil
}
