package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"ShopAssist/internal/account"
	xerrors "ShopAssist/internal/errors"
)

// AccountStore 在 MySQL 中保存账户与订单。
type AccountStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ account.AccountStore = (*AccountStore)(nil)
	_ account.OrderStore   = (*AccountStore)(nil)
)

// NewAccountStore 基于已有连接创建账户存储。
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db, now: time.Now}
}

const (
	selectAccountSQL = `SELECT user_id, first_name, last_name, email, phone FROM accounts WHERE user_id = ?`
	upsertAccountSQL = `INSERT INTO accounts (user_id, first_name, last_name, email, phone, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE first_name = VALUES(first_name), last_name = VALUES(last_name), email = VALUES(email), phone = VALUES(phone)`
	selectOrderSQL        = `SELECT user_id, order_number, order_date, total_price, status FROM orders WHERE order_number = ?`
	selectRecentOrdersSQL = `SELECT user_id, order_number, order_date, total_price, status FROM orders
        WHERE user_id = ? ORDER BY order_date DESC, order_number DESC LIMIT ?`
	selectLineItemsSQL = `SELECT name, sku, quantity, total, image_url FROM order_line_items WHERE order_number = ? ORDER BY id`
	insertOrderSQL     = `INSERT INTO orders (order_number, user_id, order_date, total_price, status) VALUES (?, ?, ?, ?, ?)`
	insertLineItemSQL  = `INSERT INTO order_line_items (order_number, name, sku, quantity, total, image_url) VALUES (?, ?, ?, ?, ?, ?)`
)

// Account 实现 account.AccountStore。
func (s *AccountStore) Account(ctx context.Context, userID string) (*account.Account, error) {
	var acc account.Account
	err := s.db.QueryRowContext(ctx, selectAccountSQL, userID).Scan(&acc.UserID, &acc.FirstName, &acc.LastName, &acc.Email, &acc.Phone)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账户失败")
	}
	return &acc, nil
}

// PutAccount 新增或更新账户。
func (s *AccountStore) PutAccount(ctx context.Context, acc account.Account) error {
	if _, err := s.db.ExecContext(ctx, upsertAccountSQL, acc.UserID, acc.FirstName, acc.LastName, acc.Email, acc.Phone, s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存账户失败")
	}
	return nil
}

// RecentOrders 实现 account.OrderStore。
func (s *AccountStore) RecentOrders(ctx context.Context, userID string, limit int) ([]account.Order, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, selectRecentOrdersSQL, userID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	var orders []account.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	rows.Close()

	for i := range orders {
		items, err := s.lineItems(ctx, orders[i].OrderNumber)
		if err != nil {
			return nil, err
		}
		orders[i].LineItems = items
	}
	return orders, nil
}

// PlaceOrder 实现 account.OrderStore。订单号主键冲突时返回已有订单。
func (s *AccountStore) PlaceOrder(ctx context.Context, order account.Order) (*account.Order, bool, error) {
	if err := order.Validate(); err != nil {
		return nil, false, err
	}
	if order.OrderDate.IsZero() {
		order.OrderDate = s.now().UTC()
	}
	if order.Status == "" {
		order.Status = account.StatusPlaced
	}
	if order.TotalPrice == 0 {
		for _, item := range order.LineItems {
			order.TotalPrice += item.Total
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启订单事务失败")
	}
	if _, err := tx.ExecContext(ctx, insertOrderSQL, order.OrderNumber, order.UserID, order.OrderDate.Unix(), order.TotalPrice, order.Status); err != nil {
		tx.Rollback()
		if isDuplicate(err) {
			existing, err := s.order(ctx, order.OrderNumber)
			if err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入订单失败")
	}
	for _, item := range order.LineItems {
		if _, err := tx.ExecContext(ctx, insertLineItemSQL, order.OrderNumber, item.Name, item.SKU, item.Quantity, item.Total, item.ImageURL); err != nil {
			tx.Rollback()
			return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入订单明细 %s 失败", item.SKU))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交订单事务失败")
	}
	order.OrderDate = time.Unix(order.OrderDate.Unix(), 0).UTC()
	order.LineItems = append([]account.LineItem(nil), order.LineItems...)
	return &order, true, nil
}

func (s *AccountStore) order(ctx context.Context, number string) (*account.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, selectOrderSQL, number))
	if err != nil {
		return nil, err
	}
	items, err := s.lineItems(ctx, number)
	if err != nil {
		return nil, err
	}
	order.LineItems = items
	return &order, nil
}

func (s *AccountStore) lineItems(ctx context.Context, number string) ([]account.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, selectLineItemsSQL, number)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单明细失败")
	}
	defer rows.Close()
	var items []account.LineItem
	for rows.Next() {
		var item account.LineItem
		if err := rows.Scan(&item.Name, &item.SKU, &item.Quantity, &item.Total, &item.ImageURL); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单明细失败")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单明细失败")
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (account.Order, error) {
	var (
		order account.Order
		date  int64
	)
	if err := row.Scan(&order.UserID, &order.OrderNumber, &date, &order.TotalPrice, &order.Status); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return order, xerrors.New(xerrors.CodeNotFound, "订单不存在")
		}
		return order, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单失败")
	}
	order.OrderDate = time.Unix(date, 0).UTC()
	return order, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
