package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// Seed 是开发环境使用的初始账户与订单。
type Seed struct {
	Accounts []Account `json:"accounts"`
	Orders   []Order   `json:"orders"`
}

// LoadSeed 读取 JSON 种子文件。
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取账户种子文件失败: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("解析账户种子文件失败: %w", err)
	}
	return &seed, nil
}

// Writer 是能够写入账户的存储。
type Writer interface {
	PutAccount(ctx context.Context, acc Account) error
}

// Apply 把种子写入存储。订单按订单号幂等，重复执行不会产生重复订单。
func (s *Seed) Apply(ctx context.Context, accounts Writer, orders OrderStore) (int, error) {
	for _, acc := range s.Accounts {
		if err := accounts.PutAccount(ctx, acc); err != nil {
			return 0, err
		}
	}
	placed := 0
	for _, order := range s.Orders {
		_, created, err := orders.PlaceOrder(ctx, order)
		if err != nil {
			return placed, fmt.Errorf("写入订单 %s 失败: %w", order.OrderNumber, err)
		}
		if created {
			placed++
		}
	}
	return placed, nil
}
