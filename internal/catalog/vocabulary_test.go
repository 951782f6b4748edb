package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticVocabularyNormalises(t *testing.T) {
	v := NewStaticVocabulary([]string{" Laptops ", "", "laptops", "TV & Home Theater"})

	assert.Equal(t, []string{"Laptops", "TV & Home Theater"}, v.Categories())
	canonical, ok := v.Canonical("LAPTOPS")
	require.True(t, ok)
	assert.Equal(t, "Laptops", canonical)
	_, ok = v.Canonical("Drones")
	assert.False(t, ok)
}

func TestFileVocabularyMissingFileIsEmpty(t *testing.T) {
	v, err := LoadFileVocabulary(filepath.Join(t.TempDir(), "categories.json"))
	require.NoError(t, err)
	assert.Empty(t, v.Categories())
}

func TestFileVocabularyReloadKeepsPreviousOnBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"categories":["Laptops"]}`), 0o644))

	v, err := LoadFileVocabulary(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))
	require.Error(t, v.Reload())
	assert.Equal(t, []string{"Laptops"}, v.Categories())
}

func TestFileVocabularyWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"categories":["Laptops"]}`), 0o644))

	v, err := LoadFileVocabulary(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = v.Watch(ctx)
	}()

	// 等待监听器就绪后再写入。
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"categories":["Laptops","Headphones"]}`), 0o644))

	assert.Eventually(t, func() bool {
		_, ok := v.Canonical("headphones")
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestLoadProducts(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "products.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"sku":"1","name":"A"},{"sku":"2","name":"B","is_on_sale":true}]`), 0o600))
	products, err := LoadProducts(good)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.True(t, products[1].IsOnSale)

	dup := filepath.Join(dir, "dup.json")
	require.NoError(t, os.WriteFile(dup, []byte(`[{"sku":"1"},{"sku":"1"}]`), 0o600))
	_, err = LoadProducts(dup)
	assert.Error(t, err)

	missing := filepath.Join(dir, "missing.json")
	require.NoError(t, os.WriteFile(missing, []byte(`[{"name":"no sku"}]`), 0o600))
	_, err = LoadProducts(missing)
	assert.Error(t, err)
}
