package store

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/model"
)

// journeysQuery builds the touchpoint query. A session belongs to a
// conversion when it is the same user's and occurred at or before the
// conversion. placeholder renders the nth (1-based) bind parameter.
func journeysQuery(dr model.DateRange, placeholder func(n int) string) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT CAST(c.conv_id AS TEXT), CAST(s.session_id AS TEXT),
	CAST(s.event_date AS TEXT) || ' ' || CAST(s.event_time AS TEXT) AS ts,
	COALESCE(s.channel_name, ''),
	CAST(COALESCE(s.holder_engagement, 0) AS INTEGER),
	CAST(COALESCE(s.closer_engagement, 0) AS INTEGER),
	CAST(COALESCE(s.impression_interaction, 0) AS INTEGER),
	CAST(COALESCE(c.revenue, 0) AS DOUBLE PRECISION)
FROM conversions c
JOIN session_sources s ON s.user_id = c.user_id
WHERE CAST(s.event_date AS TEXT) || ' ' || CAST(s.event_time AS TEXT)
	<= CAST(c.conv_date AS TEXT) || ' ' || CAST(c.conv_time AS TEXT)`)

	var args []any
	if s := dr.StartString(); s != "" {
		args = append(args, s)
		fmt.Fprintf(&b, "\n\tAND CAST(c.conv_date AS TEXT) >= %s", placeholder(len(args)))
	}
	if e := dr.EndString(); e != "" {
		args = append(args, e)
		fmt.Fprintf(&b, "\n\tAND CAST(c.conv_date AS TEXT) <= %s", placeholder(len(args)))
	}
	b.WriteString("\nORDER BY 1, ts, 2")
	return b.String(), args
}

const sessionFactsQuery = `SELECT CAST(session_id AS TEXT), COALESCE(channel_name, ''), CAST(event_date AS TEXT)
FROM session_sources
ORDER BY 3, 2, 1`

const sessionCostsQuery = `SELECT CAST(session_id AS TEXT), CAST(SUM(COALESCE(cost, 0)) AS DOUBLE PRECISION)
FROM session_costs GROUP BY 1`

const conversionRevenueQuery = `SELECT CAST(conv_id AS TEXT), CAST(SUM(COALESCE(revenue, 0)) AS DOUBLE PRECISION)
FROM conversions GROUP BY 1`

const attributionQuery = `SELECT conv_id, session_id, ihc FROM attribution_customer_journey ORDER BY conv_id, session_id`

const channelReportQuery = `SELECT channel_name, date, cost, ihc, ihc_revenue FROM channel_reporting ORDER BY date, channel_name`

func sqlitePlaceholder(int) string { return "?" }

func postgresPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// touchpointFromRow maps a journey row to a touchpoint. An unparseable
// timestamp is logged and left zero so grouping counts the row as invalid
// instead of failing the extraction.
func touchpointFromRow(convID, sessionID, ts, channel string, holder, closer, impression int64, revenue float64) model.Touchpoint {
	t, err := model.ParseTimestamp(ts)
	if err != nil {
		zap.L().Warn("store: skipping touchpoint with bad timestamp",
			zap.String("conversion_id", convID),
			zap.String("session_id", sessionID),
			zap.String("ts", ts),
			zap.Error(err),
		)
	}
	return model.Touchpoint{
		ConversionID:          convID,
		SessionID:             sessionID,
		Timestamp:             t,
		ChannelLabel:          channel,
		HolderEngagement:      holder != 0,
		CloserEngagement:      closer != 0,
		ImpressionInteraction: impression != 0,
		Revenue:               revenue,
	}
}

func runErrorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
