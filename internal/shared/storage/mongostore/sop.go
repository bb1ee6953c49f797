package mongostore

import (
	"context"
	"regexp"
	"time"

	"linsight/internal/shared/model"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ============================================================================
// SOPStore
// ============================================================================

func (s *Store) CreateSOP(ctx context.Context, sop *model.SOPRecord) error {
	return insertOne(ctx, s.col(ColSOPs), sop)
}

func (s *Store) GetSOP(ctx context.Context, id string) (*model.SOPRecord, error) {
	return findOne[model.SOPRecord](ctx, s.col(ColSOPs), byID(id))
}

func (s *Store) GetSOPs(ctx context.Context, ids []string) ([]*model.SOPRecord, error) {
	if len(ids) == 0 {
		return []*model.SOPRecord{}, nil
	}
	return findMany[model.SOPRecord](ctx, s.col(ColSOPs), inIDs(ids))
}

func (s *Store) UpdateSOP(ctx context.Context, sop *model.SOPRecord) error {
	sop.UpdateTime = time.Now().UTC()
	return replaceByID(ctx, s.col(ColSOPs), sop.ID, sop)
}

func (s *Store) DeleteSOPs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.col(ColSOPs).DeleteMany(ctx, inIDs(ids))
	return wrapError(err)
}

func (s *Store) ListSOPs(ctx context.Context, f model.SOPFilter) ([]*model.SOPRecord, int, error) {
	filter := bson.D{}
	if f.Name != "" {
		filter = append(filter, bson.E{Key: "name", Value: bson.Regex{Pattern: regexp.QuoteMeta(f.Name), Options: "i"}})
	}
	if f.Showcase != nil {
		filter = append(filter, bson.E{Key: "showcase", Value: *f.Showcase})
	}

	total, err := s.col(ColSOPs).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, wrapError(err)
	}

	sortKey := "update_time"
	if f.SortBy == "create_time" {
		sortKey = "create_time"
	}
	dir := -1
	if f.Asc {
		dir = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: sortKey, Value: dir}, {Key: "_id", Value: 1}})
	if f.PageSize > 0 {
		page := f.Page
		if page < 1 {
			page = 1
		}
		opts.SetSkip(int64((page - 1) * f.PageSize)).SetLimit(int64(f.PageSize))
	}
	items, err := findMany[model.SOPRecord](ctx, s.col(ColSOPs), filter, opts)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (s *Store) FindSOPByName(ctx context.Context, name string) (*model.SOPRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "update_time", Value: -1}})
	return findOne[model.SOPRecord](ctx, s.col(ColSOPs), bson.D{{Key: "name", Value: name}}, opts)
}

func (s *Store) GetSOPByVersionID(ctx context.Context, versionID string) (*model.SOPRecord, error) {
	return findOne[model.SOPRecord](ctx, s.col(ColSOPs), bson.D{{Key: "linsight_version_id", Value: versionID}})
}
