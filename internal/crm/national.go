package crm

import (
	"context"
	"fmt"

	"github.com/vespa-academy/datasync/internal/model"
)

// WriteNationalAverages updates the one national-averages record the source
// keeps per academic year with the per-cycle element means. This is the
// pipeline's only write to the source CRM. means maps cycle (1-3) to values
// in model.Elements order.
func (c *Client) WriteNationalAverages(ctx context.Context, academicYear string, means map[int][]float64) error {
	fields := map[string]any{FieldNatYear: academicYear}
	for cycle, vals := range means {
		if cycle < 1 || cycle > 3 {
			return fmt.Errorf("crm: national averages cycle %d out of range", cycle)
		}
		for el := range model.Elements {
			if el < len(vals) {
				fields[NationalField(cycle, el)] = round2(vals[el])
			}
		}
	}

	rec, found, err := c.FindFirst(ctx, ObjectNational, []Filter{
		{Field: FieldNatYear, Operator: "is", Value: academicYear},
	})
	if err != nil {
		return err
	}
	if found {
		return c.UpdateRecord(ctx, ObjectNational, rec.ID(), fields)
	}
	return c.CreateRecord(ctx, ObjectNational, fields)
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
