package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/tazhate/groupcal/internal/domain"
)

// entryFormatV1 prefixes every durable entry: zstd-compressed CBOR.
const entryFormatV1 byte = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zenc *zstd.Encoder
	zdec *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Dates are local midnights; keep the offset so the calendar day
	// survives a round trip.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("cache: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cache: CBOR decoder initialization failed: " + err.Error())
	}

	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// entry is the durable form of a CacheEntry.
type entry struct {
	Month    string                 `cbor:"month"`
	StoredAt time.Time              `cbor:"stored_at"`
	Events   []domain.ScheduleEvent `cbor:"events"`
}

var errBadEntry = errors.New("cache: malformed entry")

func encodeEntry(key domain.MonthKey, events []domain.ScheduleEvent, now time.Time) (string, error) {
	raw, err := encMode.Marshal(entry{Month: string(key), StoredAt: now, Events: events})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	out := make([]byte, 0, len(raw)/2+1)
	out = append(out, entryFormatV1)
	out = zenc.EncodeAll(raw, out)
	return string(out), nil
}

func decodeEntry(key domain.MonthKey, value string) ([]domain.ScheduleEvent, error) {
	if len(value) < 2 || value[0] != entryFormatV1 {
		return nil, errBadEntry
	}
	raw, err := zdec.DecodeAll([]byte(value[1:]), nil)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	var e entry
	if err := decMode.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if e.Month != string(key) {
		return nil, errBadEntry
	}
	return e.Events, nil
}
