package sources

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// Formate, die der Standard-Adapter versteht.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXML  = "xml"
)

// Standard nimmt JSON (Array, Objekt, NDJSON), CSV mit Kopfzeile und XML entgegen.
type Standard struct{}

// NewStandard erstellt den Standard-Adapter.
func NewStandard() *Standard {
	return &Standard{}
}

// Kind gibt den Adapter-Typ zurück.
func (s *Standard) Kind() string {
	return KindStandard
}

// Receive erkennt das Format am Content-Type oder am ersten Zeichen der Daten.
func (s *Standard) Receive(ctx context.Context, r io.Reader, contentType string) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	first, err := firstByte(br)
	if err != nil {
		return nil, err
	}
	if first == 0 {
		return nil, nil
	}

	switch format(contentType, first) {
	case FormatCSV:
		return decodeCSV(ctx, br)
	case FormatXML:
		return decodeXML(ctx, br)
	default:
		return decodeJSON(ctx, br)
	}
}

// firstByte liefert das erste Zeichen nach Leerraum und BOM, ohne es zu verbrauchen.
// 0 bedeutet leere Eingabe.
func firstByte(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read input: %w", err)
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			_, _ = br.ReadByte()
			continue
		case 0xEF:
			if bom, _ := br.Peek(3); string(bom) == "\xef\xbb\xbf" {
				_, _ = br.Discard(3)
				continue
			}
		}
		return b[0], nil
	}
}

func format(contentType string, first byte) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "text/csv" || mediaType == "application/csv":
		return FormatCSV
	case mediaType == "application/xml" || mediaType == "text/xml" || strings.HasSuffix(mediaType, "+xml"):
		return FormatXML
	case mediaType == "application/json" || mediaType == "application/x-ndjson" || strings.HasSuffix(mediaType, "+json"):
		return FormatJSON
	}
	switch first {
	case '[', '{':
		return FormatJSON
	case '<':
		return FormatXML
	default:
		return FormatCSV
	}
}

// decodeJSON liest beliebig viele JSON-Werte hintereinander. Arrays werden in
// ihre Elemente zerlegt, Objekte bleiben je eine Payload.
func decodeJSON(ctx context.Context, r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)
	var out []json.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode json payload %d: %w", len(out)+1, err)
		}
		if len(raw) > 0 && raw[0] == '[' {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("decode json array: %w", err)
			}
			out = append(out, items...)
			continue
		}
		out = append(out, raw)
	}
}

// decodeCSV liefert pro Zeile ein Objekt mit den Spalten der Kopfzeile als Keys.
func decodeCSV(ctx context.Context, r io.Reader) ([]json.RawMessage, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out []json.RawMessage
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
}
