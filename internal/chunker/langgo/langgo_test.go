package langgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `package widgets

import "fmt"

// OrderService orchestrates order placement.
type OrderService struct {
	repo OrderRepository
}

// OrderRepository stores orders.
type OrderRepository interface {
	Save(o string) error
}

// PlaceOrder places an order and returns an error on failure.
func (s *OrderService) PlaceOrder(o string) error {
	fmt.Println(o)
	return s.repo.Save(o)
}

const maxRetries = 3

func helper() int { return maxRetries }
`

func TestParseExtractsPackageAndImports(t *testing.T) {
	res, err := Parse("widgets.go", []byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "widgets", res.PackageName)
	require.Len(t, res.Imports, 1)
	assert.Equal(t, "fmt", res.Imports[0].Path)
	assert.NoError(t, res.SyntaxError)
}

func TestParseExtractsSymbolKinds(t *testing.T) {
	res, err := Parse("widgets.go", []byte(sample))
	require.NoError(t, err)

	byName := map[string]Symbol{}
	for _, s := range res.Symbols {
		byName[s.Name] = s
	}

	require.Contains(t, byName, "OrderService")
	assert.Equal(t, KindStruct, byName["OrderService"].Kind)

	require.Contains(t, byName, "OrderRepository")
	assert.Equal(t, KindInterface, byName["OrderRepository"].Kind)

	require.Contains(t, byName, "PlaceOrder")
	assert.Equal(t, KindMethod, byName["PlaceOrder"].Kind)
	assert.Equal(t, "OrderService", byName["PlaceOrder"].Receiver)

	require.Contains(t, byName, "maxRetries")
	assert.Equal(t, KindConst, byName["maxRetries"].Kind)

	require.Contains(t, byName, "helper")
	assert.Equal(t, KindFunction, byName["helper"].Kind)
}

func TestParseRecordsSyntaxErrorButReturnsPartialAST(t *testing.T) {
	broken := "package widgets\n\nfunc Broken( {\n"
	res, err := Parse("broken.go", []byte(broken))
	require.NoError(t, err)
	assert.Error(t, res.SyntaxError)
	assert.Equal(t, "widgets", res.PackageName)
}
