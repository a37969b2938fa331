package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/talgya/mini-market/internal/economy"
)

type listingRow struct {
	Seller   string  `db:"seller"`
	Key      string  `db:"commodity_key"`
	Item     string  `db:"item"`
	Quantity string  `db:"quantity"`
	Price    float64 `db:"price"`
}

func (r listingRow) listing() *economy.Listing {
	qty, ok := new(big.Int).SetString(r.Quantity, 10)
	if !ok || qty.Sign() < 0 {
		// Unreadable quantities surface as empty listings; the normalizer
		// drops them on its next pass.
		slog.Warn("malformed listing quantity", "seller", r.Seller, "commodity", r.Key, "quantity", r.Quantity)
		qty = new(big.Int)
	}
	return &economy.Listing{
		Key:      r.Key,
		Seller:   r.Seller,
		Item:     r.Item,
		Quantity: qty,
		Price:    r.Price,
	}
}

const listingColumns = "seller, commodity_key, item, quantity, price"

func (t *Tx) selectListings(ctx context.Context, query string, args ...any) ([]*economy.Listing, error) {
	var rows []listingRow
	if err := t.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*economy.Listing, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.listing())
	}
	return out, nil
}

// Listings returns every listing ordered by commodity key then seller.
func (t *Tx) Listings(ctx context.Context) ([]*economy.Listing, error) {
	out, err := t.selectListings(ctx,
		"SELECT "+listingColumns+" FROM listings ORDER BY commodity_key, seller")
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	return out, nil
}

// ListingsByKey returns the listings of one commodity ordered by seller.
func (t *Tx) ListingsByKey(ctx context.Context, key string) ([]*economy.Listing, error) {
	out, err := t.selectListings(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE commodity_key = ? ORDER BY seller", key)
	if err != nil {
		return nil, fmt.Errorf("select listings %s: %w", key, err)
	}
	return out, nil
}

// ListingsBySeller returns one seller's listings ordered by commodity key.
func (t *Tx) ListingsBySeller(ctx context.Context, seller string) ([]*economy.Listing, error) {
	out, err := t.selectListings(ctx,
		"SELECT "+listingColumns+" FROM listings WHERE seller = ? ORDER BY commodity_key", seller)
	if err != nil {
		return nil, fmt.Errorf("select listings of %s: %w", seller, err)
	}
	return out, nil
}

// Listing returns the listing for (seller, key) or economy.ErrNotFound.
func (t *Tx) Listing(ctx context.Context, seller, key string) (*economy.Listing, error) {
	var r listingRow
	err := t.tx.GetContext(ctx, &r,
		"SELECT "+listingColumns+" FROM listings WHERE seller = ? AND commodity_key = ?", seller, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, economy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s/%s: %w", seller, key, err)
	}
	return r.listing(), nil
}

// PutListing inserts or replaces a listing. A zero quantity deletes it.
func (t *Tx) PutListing(ctx context.Context, l *economy.Listing) error {
	if l.Quantity == nil || l.Quantity.Sign() < 0 {
		return fmt.Errorf("put listing %s/%s: negative quantity", l.Seller, l.Key)
	}
	if l.Quantity.Sign() == 0 {
		return t.DeleteListing(ctx, l.Seller, l.Key)
	}
	_, err := t.tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO listings ("+listingColumns+") VALUES (?, ?, ?, ?, ?)",
		l.Seller, l.Key, l.Item, l.Quantity.String(), l.Price,
	)
	if err != nil {
		return fmt.Errorf("put listing %s/%s: %w", l.Seller, l.Key, err)
	}
	return nil
}

// DeleteListing removes the listing for (seller, key) if present.
func (t *Tx) DeleteListing(ctx context.Context, seller, key string) error {
	_, err := t.tx.ExecContext(ctx,
		"DELETE FROM listings WHERE seller = ? AND commodity_key = ?", seller, key)
	if err != nil {
		return fmt.Errorf("delete listing %s/%s: %w", seller, key, err)
	}
	return nil
}

// SetPrices writes one price to every listing of each commodity.
func (t *Tx) SetPrices(ctx context.Context, prices map[string]float64) error {
	stmt, err := t.tx.PreparexContext(ctx, "UPDATE listings SET price = ? WHERE commodity_key = ?")
	if err != nil {
		return fmt.Errorf("prepare set price: %w", err)
	}
	defer stmt.Close()

	for key, price := range prices {
		if _, err := stmt.ExecContext(ctx, price, key); err != nil {
			return fmt.Errorf("set price %s: %w", key, err)
		}
	}
	return nil
}

// CommodityKeys returns the distinct listed commodity keys.
func (t *Tx) CommodityKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := t.tx.SelectContext(ctx, &keys,
		"SELECT DISTINCT commodity_key FROM listings ORDER BY commodity_key"); err != nil {
		return nil, fmt.Errorf("select commodity keys: %w", err)
	}
	return keys, nil
}
