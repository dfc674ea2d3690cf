package match

import (
	"github.com/smallbiznis/cashup/internal/match/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("match",
	fx.Provide(repository.Provide),
)
