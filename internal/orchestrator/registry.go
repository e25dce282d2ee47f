package orchestrator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/internal/config"
	"github.com/vgpu-advisor/deployd/internal/credentials"
	"github.com/vgpu-advisor/deployd/internal/remote"
	"github.com/vgpu-advisor/deployd/pkg/models"
)

// ChannelFactory constructs a command channel for one deployment mode.
type ChannelFactory func(req models.DeploymentRequest, cfg config.SSHConfig, key *credentials.KeyHandle, logger *zap.Logger) (remote.Channel, error)

// channelFactories maps each deployment mode to its constructor. The
// registry is fixed at compile time; adding a mode means adding an
// entry here.
var channelFactories = map[models.DeploymentMode]ChannelFactory{
	models.ModeLocal: func(_ models.DeploymentRequest, _ config.SSHConfig, _ *credentials.KeyHandle, logger *zap.Logger) (remote.Channel, error) {
		return remote.NewLocalChannel(logger), nil
	},
	models.ModeRemote: func(req models.DeploymentRequest, cfg config.SSHConfig, key *credentials.KeyHandle, logger *zap.Logger) (remote.Channel, error) {
		keyPath := ""
		if key != nil {
			keyPath = key.PrivateKeyPath
		}
		return remote.DialSSH(remote.SSHOptions{
			Host:           req.Host,
			Port:           req.Port,
			User:           req.User,
			KeyPath:        keyPath,
			Password:       req.Password,
			ConnectTimeout: cfg.ConnectTimeout,
		}, logger)
	},
}

// OpenChannel resolves the request's mode against the registry and
// opens the channel.
func OpenChannel(req models.DeploymentRequest, cfg config.SSHConfig, key *credentials.KeyHandle, logger *zap.Logger) (remote.Channel, error) {
	factory, ok := channelFactories[req.Mode]
	if !ok {
		return nil, fmt.Errorf("unknown deployment mode %q", req.Mode)
	}
	return factory(req, cfg, key, logger)
}
