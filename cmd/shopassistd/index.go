package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"ShopAssist/internal/catalog"
	xerrors "ShopAssist/internal/errors"
	"ShopAssist/internal/retrieval/weaviate"
	"ShopAssist/pkg/logger"
)

func newIndexCmd() *cobra.Command {
	var (
		productsPath string
		batchSize    int
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Create the Weaviate product class and load the product catalog into it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Search.Backend != "weaviate" {
				return xerrors.New(xerrors.CodeInvalidArgument, "index 仅适用于 search.backend=weaviate")
			}
			if productsPath == "" {
				productsPath = cfg.Search.ProductsFile
			}
			if productsPath == "" {
				return xerrors.New(xerrors.CodeInvalidArgument, "未指定商品文件")
			}
			products, err := catalog.LoadProducts(productsPath)
			if err != nil {
				return err
			}

			store, err := weaviate.New(weaviate.Config{
				URL:        cfg.Search.Weaviate.URL,
				APIKey:     cfg.Search.Weaviate.APIKey,
				Class:      cfg.Search.Weaviate.Class,
				Vectorizer: cfg.Search.Weaviate.Vectorizer,
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := store.EnsureSchema(ctx); err != nil {
				return err
			}
			indexed, err := store.Index(ctx, products, batchSize)
			if err != nil {
				return err
			}
			logger.L().Info("商品索引完成", slog.String("path", productsPath), slog.Int("indexed", indexed))
			return nil
		},
	}
	cmd.Flags().StringVar(&productsPath, "products", "", "JSON product file to index (defaults to search.products_file)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Objects per Weaviate batch request")
	return cmd
}
