package app

import (
	"context"
	"strings"

	"naualerts/internal/config"
	logx "naualerts/pkg/logx"
)

// reloadLoop applies committed configs until ctx is done. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg != nil {
				a.applyConfig(withOverrides(newCfg, a.opts))
			}
		}
	}
}

// applyConfig pushes the hot-reloadable sections into running components.
// Sections that need a restart are reported and otherwise left alone.
func (a *App) applyConfig(newCfg *config.Config) {
	change := config.SummarizeChange(a.cfg, newCfg)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Debug("config change summary", fields...)
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg, a.opts.Version))
	}

	if pc, _, err := mapPollerConfig(newCfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else {
		a.poller.Apply(pc)
	}

	if dc, pc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dc)
		a.pipe.Apply(pc)
	}

	if err := a.render.Apply(mapRenderConfig(newCfg)); err != nil {
		a.log.Warn("invalid render config; keeping previous", logx.Err(err))
	}

	a.sched.Apply(mapSchedulerConfig(newCfg))
	if err := a.registerJobs(newCfg); err != nil {
		a.log.Warn("schedules not updated", logx.Err(err))
	}

	a.bot.Apply(mapBotConfig(newCfg, a.botID, a.botName))

	a.cfg = newCfg
	a.log.Info("config reloaded", fields...)
}
