package protocol

import (
	"time"

	"tonempire.game/internal/game"
)

// resource_update (server -> client)
type ResourceUpdate struct {
	DistrictID string         `json:"district_id"`
	Resources  game.Resources `json:"resources"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
}

// building_update (server -> client). Deleted removes the building.
type BuildingUpdate struct {
	Building game.Building `json:"building"`
	Deleted  bool          `json:"deleted,omitempty"`
}

// district_update (server -> client)
type DistrictUpdate struct {
	District game.District `json:"district"`
}

// notification (server -> client)
type Notification struct {
	ID        string    `json:"id"`
	Level     string    `json:"level,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Commands (REST).

type CreateBuildingRequest struct {
	Type     game.BuildingType `json:"type"`
	Position game.Position     `json:"position"`
}

type CollectResponse struct {
	Resources game.Resources `json:"resources"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	Version   int64          `json:"version"`
}

type BuildingResponse struct {
	Building game.Building `json:"building"`
	Version  int64         `json:"version"`
}

type DistrictResponse struct {
	District game.District `json:"district"`
	Version  int64         `json:"version"`
}

type BuildingsResponse struct {
	Buildings []game.Building `json:"buildings"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
