package relay

import (
	"context"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/hashgraph/hedera-evm-relay/cache"
	"github.com/hashgraph/hedera-evm-relay/config"
	"github.com/hashgraph/hedera-evm-relay/reqctx"
)

const (
	filterTypeLog      = "log"
	filterTypeNewBlock = "newBlock"

	// Block filters replay at most this many blocks per poll; a client that
	// polls less often than this misses the older hashes.
	maxBlockFilterCatchup = 50
)

// filterState is the persisted form of an installed filter. LastQueried is
// the block-number watermark advanced by every getFilterChanges poll.
type filterState struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Criteria    LogFilter `json:"criteria"`
	LastQueried int64     `json:"lastQueried"`
}

// FilterService implements the polling filter API over the shared store, so
// a filter installed on one relay instance can be polled through another.
type FilterService struct {
	store  cache.Client
	common *CommonService
	cfg    *config.Config
	logger log.Logger
}

func NewFilterService(store cache.Client, common *CommonService, cfg *config.Config, logger log.Logger) *FilterService {
	return &FilterService{store: store, common: common, cfg: cfg, logger: logger}
}

func filterKey(id string) string { return cache.Key("filter", id) }

func newFilterID() string {
	raw := uuid.New()
	return "0x" + hex.EncodeToString(raw[:])
}

func (s *FilterService) enabled() error {
	if !s.cfg.FilterAPIEnabled {
		return ErrUnsupportedMethod("filter API")
	}
	return nil
}

func (s *FilterService) save(ctx context.Context, state filterState, rd reqctx.RequestDetails) error {
	return cache.SetJSON(ctx, s.store, filterKey(state.ID), state, "filter", s.cfg.FilterTTL, rd)
}

func (s *FilterService) load(ctx context.Context, id string, rd reqctx.RequestDetails) (*filterState, error) {
	state, err := cache.GetJSON[filterState](ctx, s.store, filterKey(id), "filter", rd)
	if err != nil {
		return nil, ErrInvalidParameter(0, "filter not found")
	}
	return &state, nil
}

// NewFilter installs a log filter. The range is validated eagerly so a bad
// filter fails at install time, not at first poll.
func (s *FilterService) NewFilter(ctx context.Context, criteria LogFilter, rd reqctx.RequestDetails) (string, error) {
	if err := s.enabled(); err != nil {
		return "", err
	}
	latest, err := s.common.LatestBlockNumber(ctx, rd)
	if err != nil {
		return "", err
	}
	state := filterState{
		ID:          newFilterID(),
		Type:        filterTypeLog,
		Criteria:    criteria,
		LastQueried: latest,
	}
	if err := s.save(ctx, state, rd); err != nil {
		return "", err
	}
	return state.ID, nil
}

// NewBlockFilter installs a filter yielding new block hashes.
func (s *FilterService) NewBlockFilter(ctx context.Context, rd reqctx.RequestDetails) (string, error) {
	if err := s.enabled(); err != nil {
		return "", err
	}
	latest, err := s.common.LatestBlockNumber(ctx, rd)
	if err != nil {
		return "", err
	}
	state := filterState{ID: newFilterID(), Type: filterTypeNewBlock, LastQueried: latest}
	if err := s.save(ctx, state, rd); err != nil {
		return "", err
	}
	return state.ID, nil
}

// UninstallFilter removes a filter, reporting whether it existed.
func (s *FilterService) UninstallFilter(ctx context.Context, id string, rd reqctx.RequestDetails) (bool, error) {
	if err := s.enabled(); err != nil {
		return false, err
	}
	if _, err := s.load(ctx, id, rd); err != nil {
		return false, nil
	}
	if err := s.store.Delete(ctx, filterKey(id), "filter", rd); err != nil {
		return false, err
	}
	return true, nil
}

// GetFilterLogs returns all logs matching a log filter's original criteria.
func (s *FilterService) GetFilterLogs(ctx context.Context, id string, rd reqctx.RequestDetails) ([]RPCLog, error) {
	if err := s.enabled(); err != nil {
		return nil, err
	}
	state, err := s.load(ctx, id, rd)
	if err != nil {
		return nil, err
	}
	if state.Type != filterTypeLog {
		return nil, ErrInvalidParameter(0, "filter is not a log filter")
	}
	// Touch the entry so an actively polled filter does not expire.
	if err := s.save(ctx, *state, rd); err != nil {
		s.logger.Debug("failed to refresh filter", "id", id, "err", err, "requestId", rd.RequestID)
	}
	return s.common.GetLogs(ctx, state.Criteria, rd)
}

// GetFilterChanges returns what happened since the last poll: new logs for
// log filters, new block hashes for block filters.
func (s *FilterService) GetFilterChanges(ctx context.Context, id string, rd reqctx.RequestDetails) (interface{}, error) {
	if err := s.enabled(); err != nil {
		return nil, err
	}
	state, err := s.load(ctx, id, rd)
	if err != nil {
		return nil, err
	}
	latest, err := s.common.LatestBlockNumber(ctx, rd)
	if err != nil {
		return nil, err
	}

	switch state.Type {
	case filterTypeLog:
		if latest <= state.LastQueried {
			state.LastQueried = latest
			_ = s.save(ctx, *state, rd)
			return []RPCLog{}, nil
		}
		criteria := state.Criteria
		criteria.BlockHash = ""
		criteria.FromBlock = hexutil.EncodeUint64(uint64(state.LastQueried + 1))
		criteria.ToBlock = hexutil.EncodeUint64(uint64(latest))
		logs, err := s.common.GetLogs(ctx, criteria, rd)
		if err != nil {
			return nil, err
		}
		state.LastQueried = latest
		if err := s.save(ctx, *state, rd); err != nil {
			s.logger.Debug("failed to advance filter watermark", "id", id, "err", err, "requestId", rd.RequestID)
		}
		return logs, nil

	case filterTypeNewBlock:
		from := state.LastQueried + 1
		if latest-from >= maxBlockFilterCatchup {
			from = latest - maxBlockFilterCatchup + 1
		}
		hashes := []string{}
		for number := from; number <= latest; number++ {
			block, err := s.common.GetHistoricalBlock(ctx, hexutil.EncodeUint64(uint64(number)), true, rd)
			if err != nil {
				return nil, err
			}
			if block != nil {
				hashes = append(hashes, toHash32(block.Hash).Hex())
			}
		}
		state.LastQueried = latest
		if err := s.save(ctx, *state, rd); err != nil {
			s.logger.Debug("failed to advance filter watermark", "id", id, "err", err, "requestId", rd.RequestID)
		}
		return hashes, nil
	}
	return nil, ErrInvalidParameter(0, "unknown filter type")
}
