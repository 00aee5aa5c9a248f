package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/council-proxy/council/types"
)

// fanOutInitial sends req to every member concurrently and collects
// whichever respond before ctx's deadline; a member that errors or times
// out is simply dropped (spec §4.1 state 2: "drop failed/timed-out
// members, proceed if >= minimumSize succeeded").
func (o *Orchestrator) fanOutInitial(ctx context.Context, members []types.CouncilMember, req types.UserRequest) ([]types.InitialResponse, error) {
	type outcome struct {
		resp types.InitialResponse
		ok   bool
	}
	results := make([]outcome, len(members))
	var wg sync.WaitGroup

	for i, member := range members {
		wg.Add(1)
		go func(i int, member types.CouncilMember) {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("orchestrator: fan-out call panicked", map[string]interface{}{"member": member.ID, "panic": fmt.Sprintf("%v", r)})
				}
				wg.Done()
			}()

			start := time.Now()
			resp, err := o.pool.Send(ctx, member, req.Query, req.ConversationContext)
			if err != nil || !resp.Success {
				o.logger.Warn("orchestrator: member dropped from fan-out", map[string]interface{}{"member": member.ID, "error": errString(err, resp)})
				return
			}
			results[i] = outcome{ok: true, resp: types.InitialResponse{
				MemberID: member.ID, Content: resp.Content, Usage: resp.Usage,
				Latency: time.Since(start), Timestamp: time.Now(),
			}}
		}(i, member)
	}
	wg.Wait()

	out := make([]types.InitialResponse, 0, len(members))
	for _, r := range results {
		if r.ok {
			out = append(out, r.resp)
		}
	}
	return out, nil
}

func errString(err error, resp types.ProviderResponse) string {
	if err != nil {
		return err.Error()
	}
	return resp.Error
}
