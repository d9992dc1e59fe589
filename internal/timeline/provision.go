package timeline

import (
	"context"
	"errors"
	"strings"
)

type ChannelInput struct {
	ID          string
	BrandID     string
	Platform    Platform
	Nickname    string
	Status      string
	Credentials any
}

// PutBrand creates or replaces a brand.
func (s *Service) PutBrand(ctx context.Context, brand Brand) (Brand, error) {
	brand.ID = strings.TrimSpace(brand.ID)
	brand.OrgID = strings.TrimSpace(brand.OrgID)
	if brand.ID == "" || brand.OrgID == "" {
		return Brand{}, invalidf("brand id and orgId are required")
	}
	err := s.backend.WithinTx(ctx, func(tx Tx) error {
		existing, err := tx.GetBrand(ctx, brand.ID)
		switch {
		case err == nil && existing.OrgID != brand.OrgID:
			return invalidf("brand %s belongs to org %s", brand.ID, existing.OrgID)
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		return tx.PutBrand(ctx, brand)
	})
	if err != nil {
		return Brand{}, err
	}
	s.logger.InfoContext(ctx, "brand provisioned", "brand_id", brand.ID, "org_id", brand.OrgID)
	return brand, nil
}

// PutChannel creates or replaces a channel. Credentials, when present, are
// sealed before they reach the backend.
func (s *Service) PutChannel(ctx context.Context, in ChannelInput) (Channel, error) {
	channel := Channel{
		ID:       strings.TrimSpace(in.ID),
		BrandID:  strings.TrimSpace(in.BrandID),
		Platform: in.Platform,
		Nickname: in.Nickname,
		Status:   in.Status,
	}
	if channel.ID == "" || channel.BrandID == "" {
		return Channel{}, invalidf("channel id and brandId are required")
	}
	if !channel.Platform.Valid() {
		return Channel{}, invalidf("unknown platform %q", channel.Platform)
	}
	if channel.Status == "" {
		channel.Status = ChannelStatusActive
	}
	if in.Credentials != nil {
		sealed, err := s.sealer.Seal(in.Credentials)
		if err != nil {
			return Channel{}, err
		}
		channel.Credentials = &sealed
	}
	err := s.backend.WithinTx(ctx, func(tx Tx) error {
		if _, err := tx.GetBrand(ctx, channel.BrandID); err != nil {
			return err
		}
		existing, err := tx.GetChannel(ctx, channel.ID)
		switch {
		case err == nil && existing.BrandID != channel.BrandID:
			return ErrCrossBrandAccess
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		return tx.PutChannel(ctx, channel)
	})
	if err != nil {
		return Channel{}, err
	}
	s.logger.InfoContext(ctx, "channel provisioned", "channel_id", channel.ID, "brand_id", channel.BrandID, "platform", string(channel.Platform))
	return channel, nil
}
