package meta

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"stash/api/internal/blob"
	"stash/api/internal/engine"
	"stash/api/internal/logger"
	"stash/api/internal/util"
)

// Pipeline states, transient per invocation.
const (
	statePending     = "PENDING"
	stateFetching    = "FETCHING_PAGE"
	stateExtracting  = "EXTRACTING_METADATA"
	stateDownloading = "DOWNLOADING_IMAGES"
	stateTranscoding = "TRANSCODING"
	statePersisting  = "PERSISTING_REFERENCES"
	stateDone        = "DONE"
	stateFailed      = "FAILED"
)

type Config struct {
	PageTimeout  time.Duration
	ImageTimeout time.Duration
	Screenshots  bool
}

// Pipeline enriches items with extracted metadata and derived image
// assets. Run is meant to be spawned detached; its errors never reach
// the request that triggered it.
type Pipeline struct {
	items       *engine.Engine
	storage     blob.Storage
	log         logger.Logger
	pages       *http.Client
	images      *http.Client
	screenshots bool
}

func NewPipeline(items *engine.Engine, storage blob.Storage, cfg Config, log logger.Logger) *Pipeline {
	pageTimeout := cfg.PageTimeout
	if pageTimeout <= 0 {
		pageTimeout = 15 * time.Second
	}
	imageTimeout := cfg.ImageTimeout
	if imageTimeout <= 0 {
		imageTimeout = 15 * time.Second
	}
	return &Pipeline{
		items:       items,
		storage:     storage,
		log:         log,
		pages:       &http.Client{Timeout: pageTimeout},
		images:      &http.Client{Timeout: imageTimeout},
		screenshots: cfg.Screenshots,
	}
}

// Preview fetches a page and returns title/description only. Fields
// the page does not expose come back null.
func (p *Pipeline) Preview(ctx context.Context, pageURL string) (BasicMetadata, error) {
	body, err := fetchPage(ctx, p.pages, pageURL)
	if err != nil {
		return BasicMetadata{}, err
	}
	return ExtractBasic(body), nil
}

// asset is one image to derive for an item: either a reference still
// to download, or bytes already in hand (screenshot fallback).
type asset struct {
	role string
	ref  string
	data []byte
}

// Run executes the full pipeline for one item. Concurrent runs for the
// same item are not serialized; the last update to persist wins.
func (p *Pipeline) Run(ctx context.Context, itemID string) error {
	p.logState(itemID, statePending)

	item, err := p.items.GetByID(ctx, itemID)
	if err != nil {
		p.logState(itemID, stateFailed)
		return err
	}
	if item == nil {
		p.logState(itemID, stateFailed)
		return fmt.Errorf("item %s no longer exists", itemID)
	}
	pageURL, _ := item.Fields["url"].(string)

	p.logState(itemID, stateFetching)
	body, err := fetchPage(ctx, p.pages, pageURL)
	if err != nil {
		p.logState(itemID, stateFailed)
		return fmt.Errorf("item %s: %w", itemID, err)
	}

	p.logState(itemID, stateExtracting)
	md := Extract(body, pageURL)

	updates := map[string]any{}
	if name, _ := item.Fields["name"].(string); name == "" && md.Title != "" {
		updates["name"] = md.Title
	}
	if desc, _ := item.Fields["description"].(string); desc == "" && md.Description != "" {
		updates["description"] = md.Description
	}

	assets := p.collectAssets(ctx, itemID, md, pageURL)
	if len(assets) > 0 {
		p.processAssets(ctx, itemID, assets, updates)
	}

	if len(updates) > 0 {
		p.logState(itemID, statePersisting)
		if _, err := p.items.Update(ctx, itemID, updates); err != nil {
			p.logState(itemID, stateFailed)
			return fmt.Errorf("item %s: persist metadata: %w", itemID, err)
		}
	}

	p.logState(itemID, stateDone)
	return nil
}

func (p *Pipeline) collectAssets(ctx context.Context, itemID string, md Metadata, pageURL string) []asset {
	var assets []asset
	if md.Logo != "" {
		assets = append(assets, asset{role: RoleLogo, ref: md.Logo})
	}
	switch {
	case md.Image != "":
		assets = append(assets, asset{role: RoleImage, ref: md.Image})
	case p.screenshots:
		shot, err := captureScreenshot(ctx, pageURL)
		if err != nil {
			p.log.Warn("metadata_screenshot_failed",
				zap.String("item", itemID), zap.Error(err))
		} else {
			assets = append(assets, asset{role: RoleImage, data: shot})
		}
	}
	return assets
}

// processAssets downloads, transcodes, and uploads each asset. One
// asset failing is a warning; the others still go through.
func (p *Pipeline) processAssets(ctx context.Context, itemID string, assets []asset, updates map[string]any) {
	for _, a := range assets {
		data := a.data
		if data == nil {
			p.logState(itemID, stateDownloading)
			downloaded, err := downloadImage(ctx, p.images, a.ref)
			if err != nil {
				p.warnAsset(itemID, a.role, err)
				continue
			}
			data = downloaded
		}

		p.logState(itemID, stateTranscoding)
		encoded, err := transcode(a.role, data)
		if err != nil {
			p.warnAsset(itemID, a.role, err)
			continue
		}

		key := util.NewID("img") + ".png"
		if err := p.storage.Put(ctx, key, encoded, "image/png"); err != nil {
			p.warnAsset(itemID, a.role, err)
			continue
		}
		updates[a.role] = key
	}
}

func (p *Pipeline) warnAsset(itemID, role string, err error) {
	p.log.Warn("metadata_asset_failed",
		zap.String("item", itemID),
		zap.String("role", role),
		zap.Error(err))
}

func (p *Pipeline) logState(itemID, state string) {
	p.log.Debug("metadata_pipeline_state",
		zap.String("item", itemID),
		zap.String("state", state))
}
