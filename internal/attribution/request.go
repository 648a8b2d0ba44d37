// Package attribution submits packed batches to the IHC scoring service and
// collects the returned weights.
package attribution

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/attribution-cli/internal/model"
	"github.com/sells-group/attribution-cli/pkg/ihc"
)

// BuildRequest converts a batch into the compute_ihc request body.
func BuildRequest(b model.Batch) ihc.Request {
	tps := b.Touchpoints()
	req := ihc.Request{CustomerJourneys: make([]ihc.Touchpoint, len(tps))}
	for i, tp := range tps {
		req.CustomerJourneys[i] = ihc.Touchpoint{
			ConversionID:          tp.ConversionID,
			SessionID:             tp.SessionID,
			Timestamp:             tp.Timestamp.Format(model.TimestampLayout),
			ChannelLabel:          tp.ChannelLabel,
			HolderEngagement:      flag(tp.HolderEngagement),
			CloserEngagement:      flag(tp.CloserEngagement),
			ImpressionInteraction: flag(tp.ImpressionInteraction),
			Conversion:            flag(tp.IsConversion),
			Revenue:               tp.Revenue,
		}
	}
	return req
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EncodeRequest renders the payload exactly as it is persisted and sent.
func EncodeRequest(req ihc.Request) ([]byte, error) {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "attribution: encode request")
	}
	return data, nil
}

// DecodeRequest parses a persisted payload.
func DecodeRequest(data []byte) (ihc.Request, error) {
	var req ihc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, eris.Wrap(err, "attribution: decode payload")
	}
	if len(req.CustomerJourneys) == 0 {
		return req, eris.New("attribution: payload has no customer journeys")
	}
	return req, nil
}

// conversionsIn counts distinct conversions in a request.
func conversionsIn(req ihc.Request) int {
	seen := make(map[string]struct{})
	for _, tp := range req.CustomerJourneys {
		seen[tp.ConversionID] = struct{}{}
	}
	return len(seen)
}

// toWeights converts response weights to the model type.
func toWeights(resp *ihc.Response) []model.AttributionWeight {
	out := make([]model.AttributionWeight, len(resp.Value))
	for i, w := range resp.Value {
		out[i] = model.AttributionWeight{ConversionID: w.ConversionID, SessionID: w.SessionID, IHC: w.IHC}
	}
	return out
}
