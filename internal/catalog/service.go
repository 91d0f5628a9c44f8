package catalog

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"adspanel/internal/live"
)

const (
	ChangeVideoUploaded = "video_uploaded"
	ChangeVideoDeleted  = "video_deleted"
	ChangeVideoAssigned = "video_assigned"
)

type Video struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	DisplayUserID string    `json:"display_user_id,omitempty"`
	DisplayUser   string    `json:"display_user,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// Group holds the videos assigned to one display user. The unassigned group
// has an empty DisplayUserID and always comes last.
type Group struct {
	DisplayUserID string  `json:"display_user_id,omitempty"`
	DisplayUser   string  `json:"display_user"`
	Videos        []Video `json:"videos"`
}

const UnassignedLabel = "Unassigned"

type Service struct {
	bucket    Bucket
	meta      MetaStore
	announcer *live.Announcer
	log       zerolog.Logger
	limit     int
	now       func() time.Time
}

func NewService(bucket Bucket, meta MetaStore, announcer *live.Announcer, log zerolog.Logger) *Service {
	return &Service{
		bucket:    bucket,
		meta:      meta,
		announcer: announcer,
		log:       log.With().Str("component", "catalog").Logger(),
		limit:     DefaultListLimit,
		now:       time.Now,
	}
}

// Upload stores the file as <unix-millis>-<base name> and records it,
// optionally assigned to a display user.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader, size int64, displayUserID string) (Video, error) {
	if size <= 0 {
		return Video{}, ErrEmptyFile
	}
	at := s.now()
	name, err := ObjectName(filename, at)
	if err != nil {
		return Video{}, err
	}
	if err := s.bucket.Put(ctx, name, r, size); err != nil {
		return Video{}, err
	}
	m := Meta{Name: name, Size: size, DisplayUserID: strings.TrimSpace(displayUserID)}
	if err := s.meta.Save(ctx, m); err != nil {
		if rmErr := s.bucket.Remove(ctx, name); rmErr != nil {
			s.log.Warn().Err(rmErr).Str("video", name).Msg("cleanup after failed save")
		}
		return Video{}, err
	}
	s.log.Info().Str("video", name).Int64("size", size).Msg("video uploaded")
	s.announcer.Announce(ctx, ChangeVideoUploaded, name)
	return Video{Name: name, Size: size, DisplayUserID: m.DisplayUserID, UploadedAt: at}, nil
}

// List merges the bucket listing with the metadata rows.
func (s *Service) List(ctx context.Context) ([]Group, error) {
	objects, err := s.bucket.List(ctx, s.limit)
	if err != nil {
		return nil, err
	}
	metas, err := s.meta.All(ctx)
	if err != nil {
		return nil, err
	}
	videos := make([]Video, 0, len(objects))
	for _, o := range objects {
		v := Video{Name: o.Name, Size: o.Size, UploadedAt: o.UpdatedAt}
		if m, ok := metas[o.Name]; ok {
			v.DisplayUserID = m.DisplayUserID
			v.DisplayUser = m.DisplayUser
			if !m.UploadedAt.IsZero() {
				v.UploadedAt = m.UploadedAt
			}
		}
		videos = append(videos, v)
	}
	return GroupByDisplay(videos), nil
}

func GroupByDisplay(videos []Video) []Group {
	byID := map[string]*Group{}
	var order []string
	for _, v := range videos {
		g, ok := byID[v.DisplayUserID]
		if !ok {
			label := v.DisplayUser
			if v.DisplayUserID == "" {
				label = UnassignedLabel
			}
			g = &Group{DisplayUserID: v.DisplayUserID, DisplayUser: label}
			byID[v.DisplayUserID] = g
			order = append(order, v.DisplayUserID)
		}
		g.Videos = append(g.Videos, v)
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := byID[order[i]], byID[order[j]]
		if (a.DisplayUserID == "") != (b.DisplayUserID == "") {
			return b.DisplayUserID == ""
		}
		return a.DisplayUser < b.DisplayUser
	})
	out := make([]Group, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func (s *Service) Delete(ctx context.Context, name string) error {
	if err := s.bucket.Remove(ctx, name); err != nil {
		return err
	}
	if err := s.meta.Delete(ctx, name); err != nil {
		return err
	}
	s.log.Info().Str("video", name).Msg("video deleted")
	s.announcer.Announce(ctx, ChangeVideoDeleted, name)
	return nil
}

// Assign sets the display user of a stored video; an empty id unassigns it.
func (s *Service) Assign(ctx context.Context, name, displayUserID string) error {
	obj, err := s.bucket.Stat(ctx, name)
	if err != nil {
		return err
	}
	if err := s.meta.Save(ctx, Meta{Name: name, Size: obj.Size, DisplayUserID: strings.TrimSpace(displayUserID)}); err != nil {
		return err
	}
	s.announcer.Announce(ctx, ChangeVideoAssigned, name)
	return nil
}
