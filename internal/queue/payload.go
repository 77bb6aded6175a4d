package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

// Table names the upstream collection a mutation targets
type Table string

const (
	TablePoints Table = "points"
	TableTests  Table = "tests"
)

// Tables lists every supported table
var Tables = []Table{TablePoints, TableTests}

// ParseTable validates a table name
func ParseTable(s string) (Table, error) {
	switch t := Table(s); t {
	case TablePoints, TableTests:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, s)
}

// Test results
const (
	ResultadoAprovado  = "aprovado"
	ResultadoReprovado = "reprovado"
)

// Payload is the typed body of a mutation. PointPayload and TestPayload are
// the only implementations.
type Payload interface {
	Table() Table
	EntityID() string
	SetEntityID(id string)
	Validate(op Operation) error
}

// PointPayload describes an anchor point
type PointPayload struct {
	ID              string `json:"id,omitempty"`
	ProjectID       string `json:"projectId,omitempty"`
	NumeroPonto     string `json:"numeroPonto,omitempty"`
	Localizacao     string `json:"localizacao,omitempty"`
	TipoEquipamento string `json:"tipoEquipamento,omitempty"`
	DataInstalacao  string `json:"dataInstalacao,omitempty"`
	Archived        *bool  `json:"archived,omitempty"`
}

func (p *PointPayload) Table() Table          { return TablePoints }
func (p *PointPayload) EntityID() string      { return p.ID }
func (p *PointPayload) SetEntityID(id string) { p.ID = id }

// Validate checks the fields op requires
func (p *PointPayload) Validate(op Operation) error {
	if op != OpCreate && p.ID == "" {
		return fmt.Errorf("%w: %s of points requires id", ErrInvalidPayload, op)
	}
	if op == OpCreate && strings.TrimSpace(p.NumeroPonto) == "" {
		return fmt.Errorf("%w: numeroPonto is required", ErrInvalidPayload)
	}
	return nil
}

// TestPayload describes an inspection test on an anchor point
type TestPayload struct {
	ID          string `json:"id,omitempty"`
	PointID     string `json:"pointId,omitempty"`
	Resultado   string `json:"resultado,omitempty"`
	Tecnico     string `json:"tecnico,omitempty"`
	DataHora    string `json:"dataHora,omitempty"`
	Observacoes string `json:"observacoes,omitempty"`
	PhotoBlobID string `json:"photoBlobId,omitempty"`
	FotoURL     string `json:"fotoUrl,omitempty"`
}

func (p *TestPayload) Table() Table          { return TableTests }
func (p *TestPayload) EntityID() string      { return p.ID }
func (p *TestPayload) SetEntityID(id string) { p.ID = id }

// Validate checks the fields op requires
func (p *TestPayload) Validate(op Operation) error {
	if op != OpCreate && p.ID == "" {
		return fmt.Errorf("%w: %s of tests requires id", ErrInvalidPayload, op)
	}
	if op == OpCreate && p.PointID == "" {
		return fmt.Errorf("%w: pointId is required", ErrInvalidPayload)
	}
	if op == OpCreate || p.Resultado != "" {
		if p.Resultado != ResultadoAprovado && p.Resultado != ResultadoReprovado {
			return fmt.Errorf("%w: resultado must be %s or %s", ErrInvalidPayload, ResultadoAprovado, ResultadoReprovado)
		}
	}
	return nil
}

// NewPayload returns an empty payload for table
func NewPayload(table Table) (Payload, error) {
	switch table {
	case TablePoints:
		return &PointPayload{}, nil
	case TableTests:
		return &TestPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

// DecodePayload decodes raw into the payload type for table, rejecting
// unknown fields and trailing data
func DecodePayload(table Table, raw []byte) (Payload, error) {
	p, err := NewPayload(table)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, table, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: %s: trailing data", ErrInvalidPayload, table)
	}
	return p, nil
}

// ValidatePayload decodes raw and validates it for op
func ValidatePayload(table Table, op Operation, raw []byte) (Payload, error) {
	p, err := DecodePayload(table, raw)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(op); err != nil {
		return nil, err
	}
	return p, nil
}

// AssignEntityID gives a create payload a fresh id when it has none and
// reports whether it did
func AssignEntityID(p Payload) bool {
	if p.EntityID() != "" {
		return false
	}
	switch p.Table() {
	case TablePoints:
		p.SetEntityID(ulid.PointID())
	case TableTests:
		p.SetEntityID(ulid.TestID())
	}
	return true
}
