package email

import (
	"strings"

	"github.com/smallbiznis/cashup/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if strings.TrimSpace(cfg.Notify.SMTP.Host) == "" {
		return &NoOpProvider{}
	}
	return NewSMTP(Config{
		Host:     cfg.Notify.SMTP.Host,
		Port:     cfg.Notify.SMTP.Port,
		Username: cfg.Notify.SMTP.Username,
		Password: cfg.Notify.SMTP.Password,
		From:     cfg.Notify.SMTP.From,
	})
}
