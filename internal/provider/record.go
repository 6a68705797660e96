package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// SingletonAreaKey keys the PDU and Blueprint providers in the aggregate.
var SingletonAreaKey = strconv.Itoa(-1)

// Record is the persisted form of one provider instance.
type Record struct {
	ProviderType     string          `json:"provider_type"`
	ProviderDataType string          `json:"provider_data_type"`
	ProviderData     json.RawMessage `json:"provider_data"`
}

// DataAggregate snapshots every live provider's data keyed by area. Areas
// are strings because numeric keys are not portable across document stores.
type DataAggregate struct {
	VirtProviders     map[string]Record `json:"virt_providers"`
	K8sProviders      map[string]Record `json:"k8s_providers"`
	PDUProvider       map[string]Record `json:"pdu_provider"`
	BlueprintProvider map[string]Record `json:"blueprint_provider"`
}

// NewDataAggregate returns an aggregate with empty, non-nil maps.
func NewDataAggregate() DataAggregate {
	return DataAggregate{
		VirtProviders:     map[string]Record{},
		K8sProviders:      map[string]Record{},
		PDUProvider:       map[string]Record{},
		BlueprintProvider: map[string]Record{},
	}
}

// RecordOf snapshots p.
func RecordOf(p Provider) (Record, error) {
	raw, err := json.Marshal(p.Data())
	if err != nil {
		return Record{}, fmt.Errorf("encode %s provider data: %w", p.ProviderType(), err)
	}
	return Record{
		ProviderType:     p.ProviderType(),
		ProviderDataType: p.DataType(),
		ProviderData:     raw,
	}, nil
}

// AreaKey formats an area as an aggregate key.
func AreaKey(area int) string {
	return strconv.Itoa(area)
}

// ParseAreaKey parses an aggregate key back into an area.
func ParseAreaKey(key string) (int, error) {
	area, err := strconv.Atoi(key)
	if err != nil {
		return 0, fmt.Errorf("parse provider area key %q: %w", key, err)
	}
	return area, nil
}

// DecodeData unmarshals raw into dst, treating empty data as no-op.
func DecodeData(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode provider data: %w", err)
	}
	return nil
}
