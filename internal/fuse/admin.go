package fuse

import (
	"context"
	"time"
)

// PauseAllBorrowableByIndex reports the borrowable assets of the verified pool
// at index as the set a guardian would pause. It never submits a transaction.
func (c *Client) PauseAllBorrowableByIndex(ctx context.Context, index int) (PauseReport, error) {
	borrowable, err := c.BorrowableAssetsByIndex(ctx, index)
	if err != nil {
		return PauseReport{}, err
	}
	c.log.Warn("pausing all borrowable assets", "index", index, "pool", borrowable.Name)
	c.log.Info("comptroller", "address", borrowable.Comptroller.Hex())

	assets := make([]Asset, 0, borrowable.Assets.Len())
	for _, e := range borrowable.Assets.Entries() {
		c.log.Info("borrowable asset", "market", e.Key.Hex(), "name", e.Value)
		assets = append(assets, Asset{Market: e.Key, Name: e.Value})
	}
	report := PauseReport{
		ChainID:     c.network.ChainID,
		Network:     c.network.Slug,
		PoolIndex:   index,
		PoolName:    borrowable.Name,
		Comptroller: borrowable.Comptroller,
		Assets:      assets,
		Status:      PauseStatusReported,
		CreatedAt:   c.now().UTC().Format(time.RFC3339),
	}
	if borrowable.DirectoryIndex != nil {
		report.DirectoryIndex = borrowable.DirectoryIndex.String()
	}
	return report, nil
}
