package qio

import (
	"github.com/sirupsen/logrus"
	"github.com/slackhq/qio/config"
	"github.com/slackhq/qio/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main builds a Dispatcher from config with the posix backend registered and the loopback backend registered and,
// when loopback.enabled is set, initialized.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger) (*Dispatcher, error) {
	if l == nil {
		l = logrus.New()
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	d := NewDispatcher(l, c)
	c.RegisterReloadCallback(d.reload)

	if err = d.RegisterBackend(NewPosixBackend(l, c)); err != nil {
		return nil, util.NewContextualError("Failed to register backend", m{"backend": PosixBackendName}, err)
	}

	lb := NewLoopbackBackend(l)
	if err = d.RegisterBackend(lb); err != nil {
		return nil, util.NewContextualError("Failed to register backend", m{"backend": LoopbackBackendName}, err)
	}
	if c.GetBool("loopback.enabled", false) {
		lb.Init(c)
	}

	err = startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	l.WithField("version", buildVersion).
		WithField("backends", []string{PosixBackendName, LoopbackBackendName}).
		WithField("loopback", lb.Initialized()).
		Info("Dispatcher ready")

	return d, nil
}
