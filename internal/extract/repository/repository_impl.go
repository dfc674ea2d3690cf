package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/smallbiznis/cashup/internal/extract/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
}

type repository struct {
	db    *gorm.DB
	genID *snowflake.Node
}

// Provide wires the extraction audit repository.
func Provide(p Params) domain.Repository {
	return &repository{db: p.DB, genID: p.GenID}
}

func (r *repository) Insert(ctx context.Context, record *domain.ParseRecord) error {
	if record.ID == 0 {
		record.ID = r.genID.Generate()
	}
	return r.db.WithContext(ctx).Create(record).Error
}
