package admission

import (
	"encoding/json"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
)

func decodeIntent(raw []byte, out *model.TradeIntent) error {
	return json.Unmarshal(raw, out)
}

func intentPayload(intent *model.TradeIntent) []byte {
	data, _ := json.Marshal(intent)
	return data
}

type rejection struct {
	IntentID string `json:"intent_id"`
	Reason   string `json:"reason"`
}

func rejectionPayload(intent *model.TradeIntent, err error) []byte {
	data, _ := json.Marshal(rejection{IntentID: intent.ID, Reason: err.Error()})
	return data
}
