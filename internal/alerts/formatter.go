package alerts

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"teleglas-pro/internal/detectors"
	"teleglas-pro/internal/signals"
)

const progressBarLength = 20

// Formatter renders trading signals as Telegram Markdown messages.
type Formatter struct {
	formatted int64

	now func() time.Time
}

func NewFormatter() *Formatter {
	return &Formatter{now: time.Now}
}

// Format routes a signal to its template.
func (f *Formatter) Format(sig *signals.TradingSignal) string {
	var message string
	switch sig.Type {
	case signals.TypeStopHunt:
		message = f.formatStopHunt(sig)
	case signals.TypeAccumulation, signals.TypeDistribution:
		message = f.formatOrderFlow(sig)
	case signals.TypeEvent:
		message = f.formatEvents(sig)
	default:
		message = f.formatGeneric(sig)
	}
	atomic.AddInt64(&f.formatted, 1)
	return message
}

func (f *Formatter) formatStopHunt(sig *signals.TradingSignal) string {
	hunt := sig.Metadata.StopHunt
	if hunt == nil {
		return f.formatGeneric(sig)
	}

	direction := "LONG_HUNT (shorts stopped)"
	absorptionLine := "✅ Strong selling after cascade"
	if hunt.Direction == detectors.ShortHunt {
		direction = "SHORT_HUNT (longs stopped)"
		absorptionLine = "✅ Strong buying after cascade"
	}
	if !hunt.AbsorptionDetected {
		absorptionLine = "• No significant absorption yet"
	}

	var entryLow, entryHigh, stop, target1, target2 float64
	var stopLabel string
	if sig.Direction == signals.DirectionShort {
		entryLow = hunt.ZoneLow * 0.998
		entryHigh = hunt.ZoneLow
		stop = hunt.ZoneHigh * 1.005
		target1 = hunt.ZoneLow * 0.99
		target2 = hunt.ZoneLow * 0.982
		stopLabel = "above hunt zone"
	} else {
		entryLow = hunt.ZoneHigh
		entryHigh = hunt.ZoneHigh * 1.002
		stop = hunt.ZoneLow * 0.995
		target1 = hunt.ZoneHigh * 1.01
		target2 = hunt.ZoneHigh * 1.018
		stopLabel = "below hunt zone"
	}

	return fmt.Sprintf(`%s *STOP HUNT DETECTED* - %s

📊 *Liquidations*: %s cleared
• Direction: %s
• Count: %d liquidations
• Zone: %s - %s

🐋 *Whale Absorption*: %s
%s

💡 *TRADING SETUP*
Entry: %s - %s
Stop Loss: %s (%s)
Target 1: %s (+1.0%%)
Target 2: %s (+1.8%%)

🎯 Confidence: %.0f%%
⏰ %s UTC`,
		priorityEmoji(sig.Priority), sig.Symbol,
		detectors.FormatUSD(hunt.TotalVolume),
		direction,
		hunt.Count,
		groupDollars(hunt.ZoneLow), groupDollars(hunt.ZoneHigh),
		detectors.FormatUSD(hunt.AbsorptionVolume),
		absorptionLine,
		groupDollars(entryLow), groupDollars(entryHigh),
		groupDollars(stop), stopLabel,
		groupDollars(target1),
		groupDollars(target2),
		sig.Confidence,
		f.clock())
}

func (f *Formatter) formatOrderFlow(sig *signals.TradingSignal) string {
	flow := sig.Metadata.OrderFlow
	if flow == nil {
		return f.formatGeneric(sig)
	}

	typeEmoji, desc, deltaLabel := "🔴", "WHALE DISTRIBUTION", "BEARISH"
	if sig.Type == signals.TypeAccumulation {
		typeEmoji, desc, deltaLabel = "🟢", "WHALE ACCUMULATION", "BULLISH"
	}

	buyPct := flow.BuyRatio * 100
	sellPct := 100 - buyPct
	window := "5min"
	if flow.WindowSeconds > 0 {
		window = fmt.Sprintf("%dmin", flow.WindowSeconds/60)
	}

	netDelta := detectors.FormatUSD(flow.NetDelta)
	if flow.NetDelta >= 0 {
		netDelta = "+" + netDelta
	}

	return fmt.Sprintf(`%s *%s* - %s

📈 *%s Analysis*

Buy Volume: %s (%.0f%%)
%s

Sell Volume: %s (%.0f%%)
%s

🐋 *Whale Activity*
• Large Buys: %d orders >$10K
• Large Sells: %d orders >$10K

📊 Net Delta: %s (%s)

💡 Signal: Strong %s

🎯 Confidence: %.0f%%
⏰ %s UTC`,
		typeEmoji, sig.Symbol, desc,
		window,
		detectors.FormatUSD(flow.BuyVolume), buyPct,
		progressBar(buyPct, progressBarLength),
		detectors.FormatUSD(flow.SellVolume), sellPct,
		progressBar(sellPct, progressBarLength),
		flow.LargeBuys,
		flow.LargeSells,
		netDelta, deltaLabel,
		strings.ToLower(sig.Type),
		sig.Confidence,
		f.clock())
}

func (f *Formatter) formatEvents(sig *signals.TradingSignal) string {
	events := sig.Metadata.Events

	var lines []string
	for i, ev := range events {
		if i >= 3 {
			break
		}
		lines = append(lines, "🔔 "+titleWords(ev.Type))
		lines = append(lines, ev.Description)
		lines = append(lines, "")
	}

	plural := "s"
	if len(events) == 1 {
		plural = ""
	}

	return fmt.Sprintf(`⚡ *%s* - MARKET EVENTS

%s💡 %d event%s detected

🎯 Confidence: %.0f%%
⏰ %s UTC`,
		sig.Symbol,
		strings.Join(lines, "\n")+"\n",
		len(events), plural,
		sig.Confidence,
		f.clock())
}

func (f *Formatter) formatGeneric(sig *signals.TradingSignal) string {
	return fmt.Sprintf(`%s *%s* - %s

Direction: %s
Sources: %s

🎯 Confidence: %.0f%%
⏰ %s UTC`,
		priorityEmoji(sig.Priority), sig.Symbol, sig.Type,
		sig.Direction,
		strings.Join(sig.Sources, ", "),
		sig.Confidence,
		f.clock())
}

func (f *Formatter) clock() string {
	return f.now().UTC().Format("15:04:05")
}

func (f *Formatter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"messages_formatted": atomic.LoadInt64(&f.formatted),
	}
}

func priorityEmoji(priority int) string {
	switch priority {
	case PriorityUrgent:
		return "🔴"
	case PriorityWatch:
		return "🟡"
	default:
		return "🔵"
	}
}

// progressBar renders a fixed-width bar, e.g. ██████░░░░ for 60%.
func progressBar(pct float64, length int) string {
	filled := int(float64(length) * pct / 100)
	if filled < 0 {
		filled = 0
	}
	if filled > length {
		filled = length
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", length-filled)
}

// titleWords renders LIQUIDATION_CASCADE as "Liquidation Cascade".
func titleWords(s string) string {
	words := strings.Split(strings.ToLower(strings.ReplaceAll(s, "_", " ")), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// groupDollars renders a price with thousands separators, e.g. $96,200.
func groupDollars(v float64) string {
	n := int64(math.Round(v))
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	digits := strconv.FormatInt(n, 10)

	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return sign + "$" + b.String()
}
