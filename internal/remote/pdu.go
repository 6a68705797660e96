package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/provider"
)

// PDUCommands is the payload accepted by PDUConfigurator.
type PDUCommands struct {
	Commands []string `json:"commands"`
}

// PDUOutputs is the result of PDUConfigurator, one output per command.
type PDUOutputs struct {
	Host    string   `json:"host"`
	Outputs []string `json:"outputs"`
}

// PDUConfigurator configures PDUs of one type by running shell commands on
// the first management IP with the PDU credentials. Commands run in order
// and the first failure stops the sequence.
type PDUConfigurator struct {
	client  *Client
	pduType string
}

var _ provider.PDUConfigurator = (*PDUConfigurator)(nil)

// NewPDUConfigurator returns the configurator of pduType.
func NewPDUConfigurator(client *Client, pduType string) *PDUConfigurator {
	return &PDUConfigurator{client: client, pduType: pduType}
}

func (p *PDUConfigurator) PDUType() string { return p.pduType }

func (p *PDUConfigurator) Configure(ctx context.Context, pdu *domain.PDU, payload json.RawMessage) (json.RawMessage, error) {
	var req PDUCommands
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, apperrors.InvalidArgument("INVALID_PDU_PAYLOAD", fmt.Sprintf("decode pdu payload: %v", err))
	}
	if len(req.Commands) == 0 {
		return nil, apperrors.InvalidArgument("INVALID_PDU_PAYLOAD", "no commands")
	}
	if len(pdu.IPs) == 0 {
		return nil, apperrors.InvalidArgument("PDU_NOT_REACHABLE", fmt.Sprintf("pdu %s has no ip", pdu.Name))
	}

	res := PDUOutputs{Host: pdu.IPs[0]}
	err := p.client.Exec(ctx, res.Host, pdu.Username, pdu.Password, func(ctx context.Context, s Session) error {
		for _, cmd := range req.Commands {
			out, err := s.Run(ctx, cmd, nil)
			if err != nil {
				return err
			}
			res.Outputs = append(res.Outputs, string(out))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("configure pdu %s: %w", pdu.Name, err)
	}
	return json.Marshal(res)
}
