package membership

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/clusterd/noded/cluster/node"
)

// BitmapFetcher fetches this node's object-presence bitmap from a peer, the
// generalized form of get_vdi_bitmap_from. The real object store is an
// external collaborator outside this module's scope (see DESIGN.md);
// production wiring may leave this nil, and tests substitute a fake.
type BitmapFetcher interface {
	FetchBitmap(ctx context.Context, peer node.Node) error
}

// fetchBitmapOnJoin implements __sd_join's rule: try every member other than
// self, in order, and stop at the first success. A newcomer joining a
// running cluster only needs one copy of the bitmap, so later peers are
// never tried once one has answered. Each attempt is backoff-retried so one
// dropped connection doesn't skip a peer that would otherwise have answered.
func fetchBitmapOnJoin(ctx context.Context, self node.Node, members []node.Node, fetcher BitmapFetcher) {
	for _, m := range members {
		if m.Equal(self) {
			continue
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		err := backoff.Retry(func() error {
			return fetcher.FetchBitmap(ctx, m)
		}, b)
		if err == nil {
			return
		}
		logger.Warn("vdi bitmap fetch failed, trying next peer", "peer_port", m.Port, "err", err)
	}
}
