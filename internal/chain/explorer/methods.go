package explorer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
)

// Status returns the current best height and last block time.
func (c *Client) Status(ctx context.Context) (ChainStatus, error) {
	var resp statusResponse
	if err := c.Request(ctx, "/status", nil, &resp); err != nil {
		return ChainStatus{}, fmt.Errorf("status: %w", err)
	}
	lastBlockTime := resp.Blockbook.LastBlockTime
	if lastBlockTime.IsZero() {
		lastBlockTime = time.Now().UTC()
	}
	return ChainStatus{
		Coin:          resp.Blockbook.Coin,
		BestHeight:    resp.Blockbook.BestHeight,
		LastBlockTime: lastBlockTime.UTC(),
		InSync:        resp.Blockbook.InSync,
	}, nil
}

// Block returns the height and time of the block at height. A block without a
// timestamp is returned with a zero Time.
func (c *Client) Block(ctx context.Context, height int64) (model.BlockInfo, error) {
	var resp blockResponse
	path := "/block/" + strconv.FormatInt(height, 10)
	if err := c.Request(ctx, path, nil, &resp); err != nil {
		return model.BlockInfo{}, fmt.Errorf("block(%d): %w", height, err)
	}
	info := model.BlockInfo{Height: height}
	if resp.Time > 0 {
		info.Time = time.Unix(resp.Time, 0).UTC()
	}
	return info, nil
}

// AddressTransactions returns one page of address's transactions confined to
// blocks [from, to].
func (c *Client) AddressTransactions(ctx context.Context, address string, from, to int64, page, pageSize int) (AddressPage, error) {
	params := url.Values{}
	params.Set("details", "txs")
	params.Set("pageSize", strconv.Itoa(pageSize))
	params.Set("from", strconv.FormatInt(from, 10))
	params.Set("to", strconv.FormatInt(to, 10))
	params.Set("page", strconv.Itoa(page))

	var resp AddressPage
	if err := c.Request(ctx, "/address/"+url.PathEscape(address), params, &resp); err != nil {
		return AddressPage{}, fmt.Errorf("address(%s) page %d: %w", address, page, err)
	}
	return resp, nil
}
