package push

import (
	"fmt"

	"tonempire.game/internal/protocol"
	"tonempire.game/internal/store"
)

// PatchFor converts a state-carrying envelope into the authoritative patch it describes.
// ok is false for envelopes that carry no district state.
func PatchFor(env protocol.Envelope) (p store.Patch, ok bool, err error) {
	switch env.Type {
	case protocol.TypeResourceUpdate:
		var m protocol.ResourceUpdate
		if err := env.DecodePayload(&m); err != nil {
			return store.Patch{}, false, err
		}
		op := store.SetResources{Resources: m.Resources}
		if m.UpdatedAt != nil {
			op.UpdatedAt = *m.UpdatedAt
		}
		return store.Authoritative(op), true, nil

	case protocol.TypeBuildingUpdate:
		var m protocol.BuildingUpdate
		if err := env.DecodePayload(&m); err != nil {
			return store.Patch{}, false, err
		}
		if m.Building.ID == "" {
			return store.Patch{}, false, fmt.Errorf("building_update without id")
		}
		if m.Deleted {
			return store.Authoritative(store.RemoveBuilding{ID: m.Building.ID}), true, nil
		}
		return store.Authoritative(store.PutBuilding{Building: m.Building}), true, nil

	case protocol.TypeDistrictUpdate:
		var m protocol.DistrictUpdate
		if err := env.DecodePayload(&m); err != nil {
			return store.Patch{}, false, err
		}
		return store.Authoritative(store.SetDistrict{District: m.District}), true, nil
	}
	return store.Patch{}, false, nil
}
