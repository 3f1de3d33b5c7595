// Package fitshdr reads primary-header cards from FITS files.
//
// Only the ASCII header is parsed: 2880-byte blocks of 80-character card
// images, ending at the END card. Binary table extensions and image payloads
// are never touched; exposure cataloging needs the metadata cards and nothing
// else. ESO-style HIERARCH keywords are supported and exposed without the
// HIERARCH prefix ("ESO TPL START").
package fitshdr

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	blockSize = 2880
	cardSize  = 80

	// A primary header larger than this is garbage, not metadata.
	maxHeaderBlocks = 128
)

// ErrNotFITS reports that the stream does not begin with a SIMPLE card.
var ErrNotFITS = errors.New("fitshdr: not a FITS file")

// Card is one parsed 80-character card image.
type Card struct {
	Key     string
	Value   string
	Comment string
}

// Header holds the parsed cards of one primary header in file order.
type Header struct {
	cards []Card
	index map[string]int
}

// Read parses header blocks from r until the END card.
func Read(r io.Reader) (*Header, error) {
	h := &Header{index: make(map[string]int)}
	block := make([]byte, blockSize)

	for nblock := 0; ; nblock++ {
		if nblock >= maxHeaderBlocks {
			return nil, fmt.Errorf("fitshdr: no END card within %d blocks", maxHeaderBlocks)
		}
		if _, err := io.ReadFull(r, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("fitshdr: header truncated before END card: %w", err)
			}
			return nil, fmt.Errorf("fitshdr: read header block: %w", err)
		}

		for off := 0; off < blockSize; off += cardSize {
			image := string(block[off : off+cardSize])
			key := strings.TrimRight(image[:8], " ")

			if nblock == 0 && off == 0 && key != "SIMPLE" {
				return nil, ErrNotFITS
			}

			switch key {
			case "END":
				return h, nil
			case "", "COMMENT", "HISTORY", "CONTINUE":
				continue
			}

			card, ok := parseCard(key, image)
			if !ok {
				continue
			}
			if _, dup := h.index[card.Key]; !dup {
				h.index[card.Key] = len(h.cards)
			}
			h.cards = append(h.cards, card)
		}
	}
}

// parseCard splits one card image into key, value, and comment. Cards without
// a value indicator carry no metadata we use and are dropped.
func parseCard(key, image string) (Card, bool) {
	rest := image[8:]

	if key == "HIERARCH" {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return Card{}, false
		}
		key = strings.Join(strings.Fields(rest[:eq]), " ")
		rest = rest[eq+1:]
	} else {
		if !strings.HasPrefix(rest, "=") {
			return Card{}, false
		}
		rest = rest[1:]
	}

	value, comment := splitValue(rest)
	return Card{Key: key, Value: value, Comment: comment}, key != ""
}

// splitValue separates the value field from the trailing / comment, honoring
// quoted strings with '' escapes.
func splitValue(s string) (value, comment string) {
	s = strings.TrimLeft(s, " ")

	if strings.HasPrefix(s, "'") {
		var b strings.Builder
		i := 1
		for i < len(s) {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				i++
				break
			}
			b.WriteByte(s[i])
			i++
		}
		value = strings.TrimRight(b.String(), " ")
		if slash := strings.IndexByte(s[i:], '/'); slash >= 0 {
			comment = strings.TrimSpace(s[i+slash+1:])
		}
		return value, comment
	}

	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		return strings.TrimSpace(s[:slash]), strings.TrimSpace(s[slash+1:])
	}
	return strings.TrimSpace(s), ""
}

// Cards returns the parsed cards in file order.
func (h *Header) Cards() []Card {
	out := make([]Card, len(h.cards))
	copy(out, h.cards)
	return out
}

// Has reports whether the header contains the key.
func (h *Header) Has(key string) bool {
	_, ok := h.index[key]
	return ok
}

// Str returns the string value of a card.
func (h *Header) Str(key string) (string, bool) {
	i, ok := h.index[key]
	if !ok {
		return "", false
	}
	return h.cards[i].Value, true
}

// Float returns a card value parsed as float64. FORTRAN D exponents are
// accepted.
func (h *Header) Float(key string) (float64, bool) {
	s, ok := h.Str(key)
	if !ok || s == "" {
		return 0, false
	}
	s = strings.NewReplacer("D", "E", "d", "e").Replace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Int returns a card value parsed as int64.
func (h *Header) Int(key string) (int64, bool) {
	s, ok := h.Str(key)
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Bool returns a card value parsed as a FITS logical (T or F).
func (h *Header) Bool(key string) (bool, bool) {
	s, ok := h.Str(key)
	if !ok {
		return false, false
	}
	switch s {
	case "T":
		return true, true
	case "F":
		return false, true
	}
	return false, false
}

var timeFormats = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Time returns a card value parsed as a FITS date string, in UTC.
func (h *Header) Time(key string) (time.Time, bool) {
	s, ok := h.Str(key)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeFormats {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Write encodes cards as FITS header blocks: a SIMPLE card first if absent,
// the given cards, an END card, then space padding to a block boundary. Used
// to build fixture headers in tests.
func Write(w io.Writer, cards []Card) error {
	var b strings.Builder

	if len(cards) == 0 || cards[0].Key != "SIMPLE" {
		writeCard(&b, Card{Key: "SIMPLE", Value: "T", Comment: "conforms to FITS standard"})
	}
	for _, c := range cards {
		writeCard(&b, c)
	}
	b.WriteString(padCard("END"))

	for b.Len()%blockSize != 0 {
		b.WriteByte(' ')
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeCard(b *strings.Builder, c Card) {
	var image string
	value := c.Value
	if needsQuotes(c) {
		value = "'" + strings.ReplaceAll(value, "'", "''") + "'"
	}

	if len(c.Key) > 8 || strings.Contains(c.Key, " ") {
		image = "HIERARCH " + c.Key + " = " + value
	} else {
		image = fmt.Sprintf("%-8s= %s", c.Key, value)
	}
	if c.Comment != "" {
		image += " / " + c.Comment
	}
	b.WriteString(padCard(image))
}

// needsQuotes decides whether a value must be written as a FITS string.
// Bare logicals and parseable numbers stay unquoted.
func needsQuotes(c Card) bool {
	v := c.Value
	if v == "T" || v == "F" {
		return false
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return false
	}
	return true
}

func padCard(s string) string {
	if len(s) > cardSize {
		s = s[:cardSize]
	}
	return s + strings.Repeat(" ", cardSize-len(s))
}
