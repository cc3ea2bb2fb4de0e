package tracker

import (
	"context"

	"github.com/phuslu/log"
	"nuha.dev/locwatch/internal/identity"
	"nuha.dev/locwatch/internal/location"
	"nuha.dev/locwatch/internal/tracking"
	"nuha.dev/locwatch/internal/webapp/common"
)

type TrackableIdRequestModel struct {
	TrackableId string `json:"trackable_id" validate:"required,uuid"`
}

type UpdateLocationRequestModel struct {
	Latitude  *float64 `json:"latitude" validate:"required"`
	Longitude *float64 `json:"longitude" validate:"required"`
}

type FollowingResponseModel struct {
	Following []string `json:"following"`
}

type StatResponseModel struct {
	Connections int    `json:"connections"`
	Pushed      uint64 `json:"pushed"`
	Dropped     uint64 `json:"dropped"`
}

type Tracker struct {
	core *tracking.Core
	log  log.Logger
}

func NewTrackerApi(core *tracking.Core) *Tracker {
	t := &Tracker{core: core}
	t.log = log.DefaultLogger
	t.log.Context = log.NewContext(nil).Str("module", "tracker-api").Value()
	return t
}

func principal(ctx context.Context) identity.Principal {
	p, _ := common.PrincipalFrom(ctx)
	return p
}

func toStrings(ids []identity.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (t *Tracker) GetLatestLocation(ctx context.Context, req *TrackableIdRequestModel, res *location.Record) error {
	id, err := identity.ParseID(req.TrackableId)
	if err != nil {
		return err
	}
	rec, err := t.core.GetLatestLocation(ctx, principal(ctx), id)
	if err != nil {
		return err
	}
	*res = rec
	return nil
}

func (t *Tracker) Follow(ctx context.Context, req *TrackableIdRequestModel, res *FollowingResponseModel) error {
	id, err := identity.ParseID(req.TrackableId)
	if err != nil {
		return err
	}
	set, err := t.core.Follow(ctx, principal(ctx), id)
	if err != nil {
		return err
	}
	res.Following = toStrings(set)
	return nil
}

func (t *Tracker) Unfollow(ctx context.Context, req *TrackableIdRequestModel, res *FollowingResponseModel) error {
	id, err := identity.ParseID(req.TrackableId)
	if err != nil {
		return err
	}
	set, err := t.core.Unfollow(ctx, principal(ctx), id)
	if err != nil {
		return err
	}
	res.Following = toStrings(set)
	return nil
}

func (t *Tracker) ListFollowing(ctx context.Context, res *FollowingResponseModel) error {
	set, err := t.core.ListFollowing(ctx, principal(ctx))
	if err != nil {
		return err
	}
	res.Following = toStrings(set)
	return nil
}

// UpdateLocation lets a logged-in trackable report its own position.
func (t *Tracker) UpdateLocation(ctx context.Context, req *UpdateLocationRequestModel, res *location.Record) error {
	rec, err := t.core.UpdateLocation(ctx, principal(ctx).ID, *req.Latitude, *req.Longitude)
	if err != nil {
		return err
	}
	*res = rec
	return nil
}

func (t *Tracker) GetStat(ctx context.Context, res *StatResponseModel) error {
	res.Connections, res.Pushed, res.Dropped = t.core.Stat()
	return nil
}
