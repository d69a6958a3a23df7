package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// windMessage is one record of grib2json output. The header is kept as raw
// JSON so fields this package does not touch pass through unchanged.
type windMessage struct {
	Header map[string]json.RawMessage `json:"header"`
	Data   []*float64                 `json:"data"`
}

// NormalizeWindField rewrites grib2json output for map clients that expect grids
// scanning north to south. For every message with la1 < la2 the latitudes are
// swapped and the rows of data reversed; dy keeps its sign. All values are
// rounded to two decimals, nulls stay null, and the result is compact JSON.
func NormalizeWindField(raw []byte) ([]byte, error) {
	var messages []windMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("decode wind field: %w", err)
	}

	for i := range messages {
		if err := flipToNorthSouth(&messages[i]); err != nil {
			return nil, fmt.Errorf("wind field message %d: %w", i, err)
		}
		for _, v := range messages[i].Data {
			if v != nil {
				*v = math.Round(*v*100) / 100
			}
		}
	}

	out, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode wind field: %w", err)
	}
	return out, nil
}

func flipToNorthSouth(m *windMessage) error {
	var la1, la2 float64
	okLa1 := headerNumber(m.Header, "la1", &la1)
	okLa2 := headerNumber(m.Header, "la2", &la2)
	if !okLa1 || !okLa2 || la1 >= la2 {
		return nil
	}

	var nx, ny int
	if !headerNumber(m.Header, "nx", &nx) || !headerNumber(m.Header, "ny", &ny) {
		return fmt.Errorf("header is missing nx or ny")
	}
	if nx <= 0 || ny <= 0 {
		return fmt.Errorf("grid dimensions nx=%d ny=%d must be positive", nx, ny)
	}
	if len(m.Data) != nx*ny {
		return fmt.Errorf("data length %d does not match nx*ny=%d", len(m.Data), nx*ny)
	}

	m.Header["la1"], m.Header["la2"] = m.Header["la2"], m.Header["la1"]

	rows := make([][]*float64, 0, ny)
	for r := range ny {
		rows = append(rows, m.Data[r*nx:(r+1)*nx])
	}
	slices.Reverse(rows)
	m.Data = slices.Concat(rows...)
	return nil
}

func headerNumber[T int | float64](h map[string]json.RawMessage, key string, dst *T) bool {
	raw, ok := h[key]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
