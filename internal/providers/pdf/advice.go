package pdf

import (
	"context"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type MarotoProvider struct{}

func New() Provider {
	return &MarotoProvider{}
}

func (p *MarotoProvider) GenerateAdvice(ctx context.Context, data AdviceData) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(12, "Payment Application Advice", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(24,
		col.New(6).Add(
			text.New("Transaction: "+data.TransactionID, props.Text{Top: 0}),
			text.New("ERP system: "+data.ERPSystem, props.Text{Top: 4}),
			text.New("ERP record: "+data.ERPRecordID, props.Text{Top: 8}),
			text.New("Posted at: "+data.PostedAt, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New("Customer", props.Text{Style: fontstyle.Bold}),
			text.New(data.CustomerID, props.Text{Top: 5}),
		),
	)

	m.AddRow(12,
		text.NewCol(12, "Payment received: "+data.Amount+" "+data.Currency, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   2,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Invoice", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount applied", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, line := range data.Lines {
		m.AddRow(8,
			text.NewCol(8, line.InvoiceID, props.Text{Size: 9}),
			text.NewCol(4, line.AmountApplied+" "+data.Currency, props.Text{Size: 9, Align: align.Right}),
		)
	}

	if data.UnappliedAmount != "" && data.UnappliedAmount != "0.00" {
		m.AddRow(10,
			col.New(6),
			text.NewCol(3, "Unapplied", props.Text{Size: 9}),
			text.NewCol(3, data.UnappliedAmount+" "+data.Currency, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(16,
		text.NewCol(12, "This advice confirms the application of your payment. Please quote the transaction reference in any correspondence.", props.Text{
			Size: 8,
			Top:  6,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
