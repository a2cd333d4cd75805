package services

import (
	"context"
	"fmt"

	"neighborly/internal/config"
	"neighborly/internal/models"
	"neighborly/internal/repositories/interfaces"
	"neighborly/pkg/cache"
	"neighborly/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const helperGeoKey = "helpers:geo"

// RankingService orders the live helper pool around an alert, nearest first.
// The dispatch engine treats the result as a static ordered list for the
// lifetime of one session.
type RankingService interface {
	RankCandidates(ctx context.Context, location models.Location) ([]models.HelperCandidate, error)
	UpdateHelperLocation(ctx context.Context, helperID primitive.ObjectID, location models.Location) error
	SetAvailability(ctx context.Context, helperID primitive.ObjectID, available bool) error
}

type rankingService struct {
	cache   *cache.RedisCache
	helpers interfaces.HelperRepository
	config  *config.DispatchConfig
	log     *logger.Logger
}

func NewRankingService(
	redisCache *cache.RedisCache,
	helpers interfaces.HelperRepository,
	cfg *config.DispatchConfig,
	log *logger.Logger,
) RankingService {
	return &rankingService{
		cache:   redisCache,
		helpers: helpers,
		config:  cfg,
		log:     log,
	}
}

func (s *rankingService) RankCandidates(ctx context.Context, location models.Location) ([]models.HelperCandidate, error) {
	members, err := s.cache.GeoRadius(ctx, helperGeoKey,
		location.Latitude(), location.Longitude(),
		s.config.SearchRadiusKM, s.config.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to query helper geo index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, 0, len(members))
	distances := make(map[primitive.ObjectID]float64, len(members))
	for _, member := range members {
		id, err := primitive.ObjectIDFromHex(member.Name)
		if err != nil {
			s.log.WithField("member", member.Name).Warn("Dropping malformed helper geo entry")
			continue
		}
		ids = append(ids, id)
		distances[id] = member.DistKM
	}

	helpers, err := s.helpers.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load ranked helpers: %w", err)
	}

	available := make(map[primitive.ObjectID]bool, len(helpers))
	for _, helper := range helpers {
		available[helper.ID] = helper.IsAvailable
	}

	// The geo index can lag availability changes; the helper document is
	// authoritative. Order from the geo query (nearest first) is preserved.
	candidates := make([]models.HelperCandidate, 0, len(ids))
	for _, id := range ids {
		if !available[id] {
			continue
		}
		candidates = append(candidates, models.HelperCandidate{
			HelperID:   id,
			DistanceKM: distances[id],
			Available:  true,
		})
	}
	return candidates, nil
}

func (s *rankingService) UpdateHelperLocation(ctx context.Context, helperID primitive.ObjectID, location models.Location) error {
	if err := s.helpers.UpdateLocation(ctx, helperID, location); err != nil {
		return err
	}
	if err := s.cache.GeoAdd(ctx, helperGeoKey, helperID.Hex(),
		location.Latitude(), location.Longitude()); err != nil {
		return fmt.Errorf("failed to index helper location: %w", err)
	}
	return nil
}

func (s *rankingService) SetAvailability(ctx context.Context, helperID primitive.ObjectID, available bool) error {
	if err := s.helpers.SetAvailability(ctx, helperID, available); err != nil {
		return err
	}

	if !available {
		if err := s.cache.GeoRemove(ctx, helperGeoKey, helperID.Hex()); err != nil {
			s.log.WithHelperID(helperID).WithError(err).Warn("Failed to remove helper from geo index")
		}
		return nil
	}

	helper, err := s.helpers.GetByID(ctx, helperID)
	if err != nil {
		return err
	}
	if helper.LastLocation != nil {
		if err := s.cache.GeoAdd(ctx, helperGeoKey, helperID.Hex(),
			helper.LastLocation.Latitude(), helper.LastLocation.Longitude()); err != nil {
			return fmt.Errorf("failed to re-index helper location: %w", err)
		}
	}
	return nil
}
