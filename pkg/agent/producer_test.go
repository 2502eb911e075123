package agent

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/karmacadabra/karma-go/pkg/escrow"
	"github.com/karmacadabra/karma-go/pkg/market"
	"github.com/stretchr/testify/require"
)

func TestCatalogProducer(t *testing.T) {
	p := newCatalogProducer("emma", "emma.example.com", weatherCatalog())
	ctx := context.Background()

	t.Run("typed payload per required kind", func(t *testing.T) {
		ev, err := p.Produce(ctx, escrow.Record{
			Product: "weather-hourly",
			EvidenceRequired: []market.Kind{
				market.KindJSONResponse,
				market.KindURLReference,
				market.KindFileArtifact,
				market.KindTextResponse,
			},
		})
		require.NoError(t, err)
		require.Len(t, ev, 4)
		require.Empty(t, ev.Missing([]market.Kind{
			market.KindJSONResponse,
			market.KindURLReference,
			market.KindFileArtifact,
			market.KindTextResponse,
		}))

		obj, ok := ev[market.KindJSONResponse].(map[string]any)
		require.True(t, ok)
		require.Equal(t, "weather-hourly", obj["product"])
		require.Equal(t, "emma", obj["agent"])
		require.Equal(t, "https://emma.example.com/products/weather-hourly", ev[market.KindURLReference])
		require.Equal(t, "artifact://emma/weather-hourly", ev[market.KindFileArtifact])
		require.Contains(t, ev[market.KindTextResponse], "delivered by emma")
	})

	t.Run("no required kinds defaults to json", func(t *testing.T) {
		ev, err := p.Produce(ctx, escrow.Record{Product: "weather-hourly"})
		require.NoError(t, err)
		require.Contains(t, ev, market.KindJSONResponse)
	})

	t.Run("unknown product", func(t *testing.T) {
		_, err := p.Produce(ctx, escrow.Record{Product: "moon-dust"})
		require.ErrorContains(t, err, `product "moon-dust" not in catalog`)
	})
}

func TestArtifactProducer(t *testing.T) {
	ctx := context.Background()

	t.Run("not ready until the first artifact", func(t *testing.T) {
		st := newTestStore(t)
		p := &artifactProducer{st: st, product: "log-summary"}
		require.False(t, p.Ready())
		_, err := p.Produce(ctx, escrow.Record{Product: "log-summary"})
		require.ErrorContains(t, err, "no log-summary artifact available yet")

		require.NoError(t, st.SavePurchase("log-summary", uuid.New(), []byte(`{"a":1}`)))
		require.True(t, p.Ready())
	})

	t.Run("serves the newest artifact", func(t *testing.T) {
		st := newTestStore(t)
		p := &artifactProducer{st: st, product: "log-summary"}
		older := uuid.MustParse("00000000-0000-0000-0000-000000000001")
		newer := uuid.MustParse("ffffffff-0000-0000-0000-000000000001")
		require.NoError(t, st.SavePurchase("log-summary", older, []byte(`{"rev":"old"}`)))
		require.NoError(t, st.SavePurchase("log-summary", newer, []byte(`{"rev":"new"}`)))

		ev, err := p.Produce(ctx, escrow.Record{
			Product:          "log-summary",
			EvidenceRequired: []market.Kind{market.KindJSONResponse},
		})
		require.NoError(t, err)
		obj, ok := ev[market.KindJSONResponse].(map[string]any)
		require.True(t, ok)
		require.Equal(t, "new", obj["rev"])
	})

	t.Run("wraps non-object json payloads", func(t *testing.T) {
		st := newTestStore(t)
		p := &artifactProducer{st: st, product: "log-summary"}
		require.NoError(t, st.SavePurchase("log-summary", uuid.New(), []byte("plain text digest")))

		ev, err := p.Produce(ctx, escrow.Record{
			Product:          "log-summary",
			EvidenceRequired: []market.Kind{market.KindJSONResponse, market.KindTextReport},
		})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"content": "plain text digest"}, ev[market.KindJSONResponse])
		require.Equal(t, "plain text digest", ev[market.KindTextReport])
	})

	t.Run("refuses foreign products", func(t *testing.T) {
		p := &artifactProducer{st: newTestStore(t), product: "log-summary"}
		_, err := p.Produce(ctx, escrow.Record{Product: "raw-logs"})
		require.ErrorContains(t, err, `product "raw-logs" not offered, only "log-summary"`)
	})
}

func TestEvidenceKind(t *testing.T) {
	require.Equal(t, market.KindTextReport, evidenceKind("text_report"))
	require.Equal(t, market.KindJSONResponse, evidenceKind(""))
	require.Equal(t, market.KindJSONResponse, evidenceKind("interpretive_dance"))
}
