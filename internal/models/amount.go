package models

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Amount is a monetary value stored as a BSON Decimal128 and rendered as a JSON string.
type Amount struct {
	decimal.Decimal
}

// NewAmount wraps a decimal value
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

// MarshalBSONValue stores the amount as Decimal128 so MongoDB compares it numerically
func (a Amount) MarshalBSONValue() (bsontype.Type, []byte, error) {
	d, err := primitive.ParseDecimal128(a.Decimal.String())
	if err != nil {
		return 0, nil, fmt.Errorf("encode amount %s: %w", a.Decimal.String(), err)
	}
	return bson.MarshalValue(d)
}

// UnmarshalBSONValue accepts Decimal128 as well as legacy double and string values
func (a *Amount) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Decimal128:
		d, ok := raw.Decimal128OK()
		if !ok {
			return fmt.Errorf("decode amount: invalid decimal128")
		}
		v, err := decimal.NewFromString(d.String())
		if err != nil {
			return fmt.Errorf("decode amount: %w", err)
		}
		a.Decimal = v
	case bsontype.Double:
		a.Decimal = decimal.NewFromFloat(raw.Double())
	case bsontype.String:
		v, err := decimal.NewFromString(raw.StringValue())
		if err != nil {
			return fmt.Errorf("decode amount: %w", err)
		}
		a.Decimal = v
	case bsontype.Int32:
		a.Decimal = decimal.NewFromInt32(raw.Int32())
	case bsontype.Int64:
		a.Decimal = decimal.NewFromInt(raw.Int64())
	default:
		return fmt.Errorf("decode amount: unsupported bson type %s", t)
	}
	return nil
}
