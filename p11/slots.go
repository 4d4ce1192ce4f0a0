package p11

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/miekg/pkcs11"
)

// SlotTokenInfo describes a slot with a present token
type SlotTokenInfo struct {
	SlotID       uint   `json:"slot_id" yaml:"slot_id"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Serial       string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Flags        uint   `json:"flags" yaml:"flags"`
}

// UserPINInitialized returns true if the token reports initialized user PIN
func (s *SlotTokenInfo) UserPINInitialized() bool {
	return s.Flags&pkcs11.CKF_USER_PIN_INITIALIZED != 0
}

// TokensInfo returns list of slots with present tokens
func TokensInfo(m Module) ([]*SlotTokenInfo, error) {
	list := []*SlotTokenInfo{}
	slots, err := m.GetSlotList(true)
	if err != nil {
		return nil, errors.WithMessage(err, "GetSlotList")
	}

	logger.Tracef("slots=%d", len(slots))

	for _, slotID := range slots {
		si, err := m.GetSlotInfo(slotID)
		if err != nil {
			return nil, errors.WithMessagef(err, "GetSlotInfo: %d", slotID)
		}
		ti, err := m.GetTokenInfo(slotID)
		if err != nil {
			logger.Errorf(
				"reason=GetTokenInfo, slotID=%d, ManufacturerID=%q, SlotDescription=%q, err=[%+v]",
				slotID,
				si.ManufacturerID,
				si.SlotDescription,
				err,
			)
			continue
		}
		list = append(list, &SlotTokenInfo{
			SlotID:       slotID,
			Description:  strings.TrimSpace(si.SlotDescription),
			Label:        strings.TrimSpace(ti.Label),
			Manufacturer: strings.TrimSpace(ti.ManufacturerID),
			Model:        strings.TrimSpace(ti.Model),
			Serial:       strings.TrimSpace(ti.SerialNumber),
			Flags:        ti.Flags,
		})
	}
	return list, nil
}

// SlotFilter selects a slot.
// Empty filter selects the first slot with a present token.
type SlotFilter struct {
	TokenLabel  string
	TokenSerial string
	SlotID      *uint
}

// FindSlot returns the slot matching the filter
func FindSlot(m Module, filter SlotFilter) (*SlotTokenInfo, error) {
	list, err := TokensInfo(m)
	if err != nil {
		return nil, err
	}

	for _, ti := range list {
		switch {
		case filter.SlotID != nil:
			if ti.SlotID != *filter.SlotID {
				continue
			}
		case filter.TokenSerial != "":
			if ti.Serial != filter.TokenSerial {
				continue
			}
		case filter.TokenLabel != "":
			if ti.Label != filter.TokenLabel {
				continue
			}
		}
		return ti, nil
	}

	switch {
	case filter.SlotID != nil:
		return nil, errors.Errorf("slot not found: %d", *filter.SlotID)
	case filter.TokenSerial != "":
		return nil, errors.Errorf("token not found, serial: %q", filter.TokenSerial)
	case filter.TokenLabel != "":
		return nil, errors.Errorf("token not found, label: %q", filter.TokenLabel)
	}
	return nil, errors.New("no slots with present token")
}
