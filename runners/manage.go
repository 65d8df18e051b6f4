package runners

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/minionflow/event"
	"github.com/BaSui01/minionflow/registry"
	"github.com/BaSui01/minionflow/transport"
)

func manageEntries(ch transport.Channel) []registry.Entry {
	params := []registry.Param{
		{Name: "tgt", Default: "*"},
		{Name: "tgt_type", Default: transport.TargetGlob},
	}
	return []registry.Entry{
		{
			Name:   "manage.up",
			Kind:   registry.KindRunner,
			Doc:    "List the minions answering a ping.",
			Params: params,
			Fn: func(ctx context.Context, _ *registry.Context, call *registry.Call) (any, error) {
				st, err := status(ctx, ch, call)
				if err != nil {
					return nil, err
				}
				return st["up"], nil
			},
		},
		{
			Name:   "manage.down",
			Kind:   registry.KindRunner,
			Doc:    "List known minions that do not answer a ping.",
			Params: params,
			Fn: func(ctx context.Context, _ *registry.Context, call *registry.Call) (any, error) {
				st, err := status(ctx, ch, call)
				if err != nil {
					return nil, err
				}
				return st["down"], nil
			},
		},
		{
			Name:   "manage.status",
			Kind:   registry.KindRunner,
			Doc:    "Report up and down minions.",
			Params: params,
			Fn: func(ctx context.Context, _ *registry.Context, call *registry.Call) (any, error) {
				return status(ctx, ch, call)
			},
		},
	}
}

func status(ctx context.Context, ch transport.Channel, call *registry.Call) (map[string][]string, error) {
	tgt, err := transport.NewTarget(call.Get("tgt"), call.String("tgt_type"))
	if err != nil {
		return nil, err
	}
	up, err := ch.Ping(ctx, tgt)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]struct{}, len(up))
	for _, id := range up {
		alive[id] = struct{}{}
	}
	down := []string{}
	for _, id := range tgt.Filter(ch.Known()) {
		if _, ok := alive[id]; !ok {
			down = append(down, id)
		}
	}
	return map[string][]string{"up": up, "down": down}, nil
}

func sendEventEntry(ch transport.Channel) registry.Entry {
	return registry.Entry{
		Name: "event.send",
		Kind: registry.KindRunner,
		Doc:  "Fire an event on every master's bus.",
		Params: []registry.Param{
			{Name: "tag", Required: true},
			{Name: "data", Default: nil},
		},
		Fn: func(ctx context.Context, rc *registry.Context, call *registry.Call) (any, error) {
			tag := strings.TrimSpace(call.String("tag"))
			if tag == "" || strings.HasPrefix(tag, "job/") || strings.HasPrefix(tag, "ping/") {
				return nil, fmt.Errorf("%w: tag %q is reserved or empty", registry.ErrBadArguments, tag)
			}
			data := map[string]any{}
			switch v := call.Get("data").(type) {
			case nil:
			case map[string]any:
				for k, x := range v {
					data[k] = x
				}
			default:
				return nil, fmt.Errorf("%w: data must be a mapping, got %T", registry.ErrBadArguments, v)
			}
			if name := rc.Identity.Name; name != "" {
				data["user"] = name
			}
			if err := ch.PublishEvent(ctx, event.Event{Tag: tag, Data: data, Stamp: time.Now().UTC()}); err != nil {
				return nil, err
			}
			return true, nil
		},
	}
}
