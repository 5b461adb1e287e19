package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/twapindexer/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// orderSelectCols lists the columns selected when reading orders. Amounts
// are read as text so they round-trip through big.Int without loss.
const orderSelectCols = `order_id, chain_id, owner, handler, salt,
	sell_token, buy_token, receiver,
	part_sell_amount::text, min_part_limit::text,
	start_time, num_parts, part_interval, span, app_data,
	created_at, block_number, tx_hash, status,
	executed_sell_amount::text, executed_buy_amount::text, updated_at`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.TwapOrder, error) {
	var (
		o                                  domain.TwapOrder
		orderID, owner, handler, salt      string
		sellToken, buyToken, receiver      string
		partSell, minLimit                 string
		startTime, numParts, interval, spn int64
		appData, txHash, status            string
		execSell, execBuy                  string
		chainID, block                     int64
	)

	err := scanner.Scan(
		&orderID, &chainID, &owner, &handler, &salt,
		&sellToken, &buyToken, &receiver,
		&partSell, &minLimit,
		&startTime, &numParts, &interval, &spn, &appData,
		&o.CreatedAt, &block, &txHash, &status,
		&execSell, &execBuy, &o.UpdatedAt,
	)
	if err != nil {
		return domain.TwapOrder{}, err
	}

	o.OrderID = common.HexToHash(orderID)
	o.ChainID = uint64(chainID)
	o.Owner = common.HexToAddress(owner)
	o.Handler = common.HexToAddress(handler)
	o.Salt = common.HexToHash(salt)
	o.SellToken = common.HexToAddress(sellToken)
	o.BuyToken = common.HexToAddress(buyToken)
	o.Receiver = common.HexToAddress(receiver)
	o.PartSellAmount = parseNumeric(partSell)
	o.MinPartLimit = parseNumeric(minLimit)
	o.StartTime = uint64(startTime)
	o.NumParts = uint64(numParts)
	o.Interval = uint64(interval)
	o.Span = uint64(spn)
	o.AppData = common.HexToHash(appData)
	o.BlockNumber = uint64(block)
	o.TxHash = common.HexToHash(txHash)
	o.Status = domain.OrderStatus(status)
	o.ExecutedSellAmount = parseNumeric(execSell)
	o.ExecutedBuyAmount = parseNumeric(execBuy)
	if o.CreatedAt != nil {
		t := o.CreatedAt.UTC()
		o.CreatedAt = &t
	}
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.TwapOrder, error) {
	var orders []domain.TwapOrder
	for rows.Next() {
		o, err := scanOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetByID retrieves a single order by its id.
func (s *OrderStore) GetByID(ctx context.Context, orderID common.Hash) (domain.TwapOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM twap_orders WHERE order_id = $1`, orderID.Hex())

	o, err := scanOrderFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TwapOrder{}, domain.ErrNotFound
		}
		return domain.TwapOrder{}, fmt.Errorf("postgres: get order %s: %w", orderID.Hex(), err)
	}
	return o, nil
}

// ListParts returns the parts of an order in index order.
func (s *OrderStore) ListParts(ctx context.Context, orderID common.Hash) ([]domain.OrderPart, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT part_id, part_index, valid_to FROM twap_order_parts
		 WHERE order_id = $1 ORDER BY part_index`, orderID.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list parts %s: %w", orderID.Hex(), err)
	}
	defer rows.Close()

	var parts []domain.OrderPart
	for rows.Next() {
		var p domain.OrderPart
		var index, validTo int64
		if err := rows.Scan(&p.PartID, &index, &validTo); err != nil {
			return nil, fmt.Errorf("postgres: scan part: %w", err)
		}
		p.OrderID = orderID
		p.Index = uint64(index)
		p.ValidTo = uint32(validTo)
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list parts rows: %w", err)
	}
	return parts, nil
}

// ListOpen returns non-terminal orders of a chain, least recently updated
// first, so repeated refreshes rotate through all of them.
func (s *OrderStore) ListOpen(ctx context.Context, chainID uint64, limit int) ([]domain.TwapOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM twap_orders
		 WHERE chain_id = $1 AND status IN ('wait_signing', 'pending', 'scheduled', 'cancelling')
		 ORDER BY updated_at ASC
		 LIMIT $2`, int64(chainID), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open orders: %w", err)
	}
	return orders, nil
}

// ListByOwner returns an owner's orders across chains, newest first.
func (s *OrderStore) ListByOwner(ctx context.Context, owner common.Address, opts domain.ListOpts) ([]domain.TwapOrder, error) {
	query := `SELECT ` + orderSelectCols + ` FROM twap_orders WHERE owner = $1`
	args := []any{owner.Hex()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY block_number DESC, order_id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by owner: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by owner: %w", err)
	}
	return orders, nil
}

// ListHistory returns the recorded status transitions of an order, oldest
// first.
func (s *OrderStore) ListHistory(ctx context.Context, orderID common.Hash) ([]domain.StatusTransition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT previous_status, status, block_number, created_at
		 FROM twap_order_status_history WHERE order_id = $1 ORDER BY id`, orderID.Hex())
	if err != nil {
		return nil, fmt.Errorf("postgres: list history %s: %w", orderID.Hex(), err)
	}
	defer rows.Close()

	var out []domain.StatusTransition
	for rows.Next() {
		var (
			tr        domain.StatusTransition
			prev, cur string
			block     int64
			createdAt time.Time
		)
		if err := rows.Scan(&prev, &cur, &block, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		tr.OrderID = orderID
		tr.Previous = domain.OrderStatus(prev)
		tr.Current = domain.OrderStatus(cur)
		tr.BlockNumber = uint64(block)
		tr.CreatedAt = createdAt
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history rows: %w", err)
	}
	return out, nil
}

// parseNumeric converts a NUMERIC text value into a big.Int. NULL and
// unparsable values become zero.
func parseNumeric(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}

// numericText renders n for a NUMERIC parameter.
func numericText(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
