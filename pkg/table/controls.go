package table

import (
	"context"

	"go.uber.org/zap"
)

// resolveControls keeps the requested controls the actor holds on the entity
// type, in request order. Failed checks drop the control.
func (ep *Endpoint) resolveControls(ctx context.Context, gate *Gate, requested []string) []string {
	allowed := make([]string, 0, len(requested))
	for _, control := range requested {
		if fn, ok := ep.caps.control(control); ok {
			ok, err := fn(ctx, gate.Actor())
			if err != nil {
				gate.logger.Warn("control override failed", zap.String("control", control), zap.Error(err))
				continue
			}
			if ok {
				allowed = append(allowed, control)
			}
			continue
		}
		if gate.Allows(ctx, control, nil) {
			allowed = append(allowed, control)
		}
	}
	return allowed
}
