package providers

import (
	"github.com/smallbiznis/cashup/internal/providers/email"
	"github.com/smallbiznis/cashup/internal/providers/pdf"
	"github.com/smallbiznis/cashup/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
	pdf.Module,
)
