package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/wallsignal/pkg/models"
)

var (
	// ErrMalformedLevel is returned when a price or quantity string cannot be parsed.
	ErrMalformedLevel = errors.New("malformed price level")
	// ErrSnapshotStatus is returned when the snapshot endpoint answers with a non-200 status.
	ErrSnapshotStatus = errors.New("unexpected snapshot status")
)

const depthUpdateEvent = "depthUpdate"

type rawLevel [2]string

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type depthEvent struct {
	Event     string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	First     int64      `json:"U"`
	Final     int64      `json:"u"`
	Prev      *int64     `json:"pu"`
	Bids      []rawLevel `json:"b"`
	Asks      []rawLevel `json:"a"`
}

type snapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         []rawLevel `json:"bids"`
	Asks         []rawLevel `json:"asks"`
}

// StreamURL joins the combined-stream base with the depth stream for symbol,
// e.g. wss://fstream.binance.com/stream?streams=btcusdt@depth@100ms.
func StreamURL(base, symbol, suffix string) string {
	return base + strings.ToLower(symbol) + suffix
}

// DecodeFrame decodes one websocket frame, either a combined-stream envelope
// or a bare event. ok is false for frames that are not depth updates.
func DecodeFrame(frame []byte) (diff models.DiffMessage, ok bool, err error) {
	payload := frame
	var env envelope
	if err := json.Unmarshal(frame, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var ev depthEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.DiffMessage{}, false, fmt.Errorf("decode depth event: %w", err)
	}
	if ev.Event != depthUpdateEvent {
		return models.DiffMessage{}, false, nil
	}

	diff, err = ev.toDiff()
	if err != nil {
		return models.DiffMessage{}, false, err
	}
	return diff, true, nil
}

func (ev depthEvent) toDiff() (models.DiffMessage, error) {
	bids, err := decodeLevels(ev.Bids)
	if err != nil {
		return models.DiffMessage{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := decodeLevels(ev.Asks)
	if err != nil {
		return models.DiffMessage{}, fmt.Errorf("asks: %w", err)
	}

	// Spot streams carry no pu; chain on U-1 so continuity still holds.
	prev := ev.First - 1
	if ev.Prev != nil {
		prev = *ev.Prev
	}

	return models.DiffMessage{
		Symbol:            ev.Symbol,
		EventTime:         time.UnixMilli(ev.EventTime),
		FirstUpdateID:     ev.First,
		FinalUpdateID:     ev.Final,
		PrevFinalUpdateID: prev,
		Bids:              bids,
		Asks:              asks,
	}, nil
}

// DecodeSnapshot parses a REST depth snapshot body.
func DecodeSnapshot(r io.Reader) (*models.Snapshot, error) {
	var resp snapshotResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	bids, err := decodeLevels(resp.Bids)
	if err != nil {
		return nil, fmt.Errorf("snapshot bids: %w", err)
	}
	asks, err := decodeLevels(resp.Asks)
	if err != nil {
		return nil, fmt.Errorf("snapshot asks: %w", err)
	}
	return &models.Snapshot{LastUpdateID: resp.LastUpdateID, Bids: bids, Asks: asks}, nil
}

func decodeLevels(raw []rawLevel) ([]models.Level, error) {
	levels := make([]models.Level, 0, len(raw))
	for _, r := range raw {
		price, err := models.ParsePrice(r[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLevel, err)
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(r[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: qty %q: %v", ErrMalformedLevel, r[1], err)
		}
		q, _ := qty.Float64()
		levels = append(levels, models.Level{Price: price, Qty: q})
	}
	return levels, nil
}
