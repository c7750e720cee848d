// Package docstoretest holds the behaviour every docstore.Store must show.
package docstoretest

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/escore/ports/docstore"
)

type person struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

// Run exercises store against the docstore contract.
func Run(t *testing.T, store docstore.Store) {
	t.Helper()

	collection := func(t *testing.T) docstore.Collection {
		c, err := store.Collection(t.Context(), "people_"+sanitize(t.Name()))
		require.NoError(t, err)
		return c
	}

	t.Run("find missing", func(t *testing.T) {
		c := collection(t)
		_, _, err := docstore.FindOne[person](t.Context(), c, "nobody")
		require.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("update without upsert", func(t *testing.T) {
		c := collection(t)
		_, err := docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1"}, docstore.UpdateOptions{})
		require.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("upsert and versions", func(t *testing.T) {
		c := collection(t)
		v1, err := docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1", Age: 10}, docstore.UpdateOptions{Upsert: true})
		require.NoError(t, err)

		got, v, err := docstore.FindOne[person](t.Context(), c, "p1")
		require.NoError(t, err)
		require.Equal(t, person{Name: "P1", Age: 10}, got)
		require.Equal(t, v1, v)

		v2, err := docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1", Age: 11}, docstore.UpdateOptions{})
		require.NoError(t, err)
		require.Greater(t, v2, v1)
	})

	t.Run("version guard", func(t *testing.T) {
		c := collection(t)
		v1, err := docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1"}, docstore.UpdateOptions{
			Upsert:          true,
			ExpectedVersion: docstore.Version(0),
		})
		require.NoError(t, err)

		_, err = docstore.UpdateOne(t.Context(), c, "p1", person{Name: "again"}, docstore.UpdateOptions{
			Upsert:          true,
			ExpectedVersion: docstore.Version(0),
		})
		require.ErrorIs(t, err, docstore.ErrVersionMismatch)

		v2, err := docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1", Age: 1}, docstore.UpdateOptions{
			ExpectedVersion: docstore.Version(v1),
		})
		require.NoError(t, err)

		_, err = docstore.UpdateOne(t.Context(), c, "p1", person{Name: "stale"}, docstore.UpdateOptions{
			ExpectedVersion: docstore.Version(v1),
		})
		require.ErrorIs(t, err, docstore.ErrVersionMismatch)

		got, v, err := docstore.FindOne[person](t.Context(), c, "p1")
		require.NoError(t, err)
		require.Equal(t, person{Name: "P1", Age: 1}, got)
		require.Equal(t, v2, v)

		_, err = docstore.UpdateOne(t.Context(), c, "missing", person{}, docstore.UpdateOptions{
			ExpectedVersion: docstore.Version(3),
		})
		require.ErrorIs(t, err, docstore.ErrVersionMismatch)
	})

	t.Run("delete", func(t *testing.T) {
		c := collection(t)
		_, err := docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1"}, docstore.UpdateOptions{Upsert: true})
		require.NoError(t, err)
		require.NoError(t, c.DeleteOne(t.Context(), "p1"))
		_, _, err = docstore.FindOne[person](t.Context(), c, "p1")
		require.ErrorIs(t, err, docstore.ErrNotFound)

		// deleting twice is fine
		require.NoError(t, c.DeleteOne(t.Context(), "p1"))

		_, err = docstore.UpdateOne(t.Context(), c, "p1", person{Name: "P1"}, docstore.UpdateOptions{
			ExpectedVersion: docstore.Version(0),
		})
		require.NoError(t, err)
	})

	t.Run("ids with separators", func(t *testing.T) {
		c := collection(t)
		id := "orders:order-1/line.2 x"
		_, err := docstore.UpdateOne(t.Context(), c, id, person{Name: "odd"}, docstore.UpdateOptions{Upsert: true})
		require.NoError(t, err)
		got, _, err := docstore.FindOne[person](t.Context(), c, id)
		require.NoError(t, err)
		require.Equal(t, "odd", got.Name)
	})

	t.Run("concurrent guarded writers", func(t *testing.T) {
		c := collection(t)
		const writers = 8

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := docstore.UpdateOne(t.Context(), c, "race", person{Age: i}, docstore.UpdateOptions{
					Upsert:          true,
					ExpectedVersion: docstore.Version(0),
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, docstore.ErrVersionMismatch)
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}

func sanitize(name string) string {
	out := []byte(name)
	for i, b := range out {
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
