package shifttools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/shiftdesk/internal/observability"
	"github.com/harun/shiftdesk/internal/tracing"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

// Tool names as the model sees them.
const (
	ToolGetCurrentDate   = "getCurrentDate"
	ToolGetShiftData     = "getShiftData"
	ToolGetRuleData      = "getRuleData"
	ToolEditShiftData    = "editShiftData"
	ToolShiftCallOut     = "shiftCallOut"
	ToolGetLatestCallOut = "getLatestShiftCallOutMessage"
)

const (
	unknownMemberName       = "Unknown member"
	dateLayout              = "2006-01-02"
	clockLayout             = "15:04"
	callOutSentResult       = "The message was sent to the staff group."
	callOutFailedResult     = "Failed to send the message to the staff group."
	noCallOutBroadcasterMsg = "Error: no staff group is configured for call-outs."
)

// Broadcaster delivers a message to the whole staff group.
type Broadcaster interface {
	Broadcast(ctx context.Context, message string) error
}

// Options configures shift tool registration.
type Options struct {
	Store Store
	// Broadcaster is optional; without it shiftCallOut reports that no group
	// is configured.
	Broadcaster Broadcaster
	// Location is the business time zone. UTC when nil.
	Location *time.Location
	Now      func() time.Time
}

type tools struct {
	store       Store
	broadcaster Broadcaster
	location    *time.Location
	now         func() time.Time
}

// Register registers the shift management tools.
func Register(registry *toolexecutor.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}
	if opts.Store == nil {
		return errors.New("shift store is required")
	}

	t := &tools{
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		location:    opts.Location,
		now:         opts.Now,
	}
	if t.location == nil {
		t.location = time.UTC
	}
	if t.now == nil {
		t.now = time.Now
	}

	defs := []struct {
		decl    toolexecutor.Declaration
		handler toolexecutor.Handler
	}{
		{t.currentDateDecl(), t.currentDate},
		{t.shiftDataDecl(), t.shiftData},
		{t.ruleDataDecl(), t.ruleData},
		{t.editShiftDecl(), t.editShift},
		{t.callOutDecl(), t.callOut},
		{t.latestCallOutDecl(), t.latestCallOut},
	}

	for _, d := range defs {
		if err := registry.Register(d.decl, d.handler); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", d.decl.Name, err)
		}
	}
	return nil
}

func (t *tools) currentDateDecl() toolexecutor.Declaration {
	return toolexecutor.Declaration{
		Name:        ToolGetCurrentDate,
		Description: "Get the current date and time in the business time zone. Call this before interpreting any date the member mentions.",
	}
}

func (t *tools) currentDate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	now := t.now().In(t.location)
	return fmt.Sprintf("Current time (%s): %s %s (%s)",
		t.location, now.Format(dateLayout), now.Format(clockLayout), now.Weekday()), nil
}

func (t *tools) shiftDataDecl() toolexecutor.Declaration {
	return toolexecutor.Declaration{
		Name:        ToolGetShiftData,
		Description: "Get who is working on a date. An empty result means nobody is scheduled.",
		Parameters: []toolexecutor.Parameter{
			{Name: "date", Type: "string", Description: "Date in YYYY-MM-DD format", Required: true},
		},
	}
}

func (t *tools) shiftData(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	date := stringArg(args, "date")
	if _, err := parseDate(date); err != nil {
		return fmt.Sprintf("Error: invalid date %q, expected YYYY-MM-DD.", date), nil
	}

	day, err := t.store.Day(ctx, date)
	if errors.Is(err, ErrNoSchedule) {
		return "Error: no schedule has been published.", nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shifts for %s: %w", date, err)
	}
	if len(day) == 0 {
		return fmt.Sprintf("Nobody is working on %s yet (understaffed).", date), nil
	}

	entries := make([]string, 0, len(day))
	for _, a := range day {
		entries = append(entries, fmt.Sprintf("%s: %s-%s", t.memberName(ctx, a.UserID), a.StartTime, a.EndTime))
	}
	return fmt.Sprintf("Shifts on %s: %s (%d in total)", date, strings.Join(entries, ", "), len(day)), nil
}

func (t *tools) ruleDataDecl() toolexecutor.Declaration {
	return toolexecutor.Declaration{
		Name:        ToolGetRuleData,
		Description: "Get the shift management rules. Check them before accepting a substitute request.",
	}
}

func (t *tools) ruleData(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rules, err := t.store.Rules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if len(rules) == 0 {
		return "Error: no shift rules found.", nil
	}

	var b strings.Builder
	b.WriteString("Shift rules:\n")
	for _, r := range rules {
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Value)
	}
	return b.String(), nil
}

func (t *tools) editShiftDecl() toolexecutor.Declaration {
	return toolexecutor.Declaration{
		Name:        ToolEditShiftData,
		Description: "Add a member to or remove a member from the schedule of one date. Only call after the member confirmed.",
		Parameters: []toolexecutor.Parameter{
			{Name: "date", Type: "string", Description: "Date in YYYY-MM-DD format", Required: true},
			{Name: "action", Type: "string", Description: "add or remove", Required: true, Enum: []string{"add", "remove"}},
			{Name: "userId", Type: "string", Description: "User id of the member", Required: true},
			{Name: "startTime", Type: "string", Description: "Start time HH:MM, required for add"},
			{Name: "endTime", Type: "string", Description: "End time HH:MM, required for add"},
		},
	}
}

func (t *tools) editShift(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	date := stringArg(args, "date")
	action := stringArg(args, "action")
	userID := stringArg(args, "userId")
	start := stringArg(args, "startTime")
	end := stringArg(args, "endTime")

	if date == "" || action == "" || userID == "" {
		return fmt.Sprintf("Error: missing required parameters. date: %q, action: %q, userId: %q", date, action, userID), nil
	}
	if _, err := parseDate(date); err != nil {
		return fmt.Sprintf("Error: invalid date %q, expected YYYY-MM-DD.", date), nil
	}
	if action != "add" && action != "remove" {
		return fmt.Sprintf("Error: invalid action: %s", action), nil
	}
	if action == "add" {
		if start == "" || end == "" {
			return "Start and end times are required to add a shift.", nil
		}
		if msg := validateTimes(start, end); msg != "" {
			return msg, nil
		}
	}

	name := t.memberName(ctx, userID)
	var result string
	changed := false

	err := t.store.EditDay(ctx, date, func(day []Assignment) ([]Assignment, error) {
		idx := -1
		for i, a := range day {
			if a.UserID == userID {
				idx = i
				break
			}
		}

		switch action {
		case "add":
			if idx >= 0 {
				result = fmt.Sprintf("%s is already on the %s shift (%s-%s).", name, date, day[idx].StartTime, day[idx].EndTime)
				return day, nil
			}
			day = append(day, Assignment{UserID: userID, StartTime: start, EndTime: end})
			result = fmt.Sprintf("Added %s's shift on %s (%s-%s). %d people are now scheduled.", name, date, start, end, len(day))

		case "remove":
			if idx < 0 {
				result = fmt.Sprintf("%s is not on the %s shift.", name, date)
				return day, nil
			}
			removed := day[idx]
			day = append(day[:idx], day[idx+1:]...)
			start, end = removed.StartTime, removed.EndTime
			remaining := "The day is now unstaffed."
			if len(day) > 0 {
				remaining = fmt.Sprintf("%d people remain.", len(day))
			}
			result = fmt.Sprintf("Removed %s's shift on %s (%s-%s). %s", name, date, removed.StartTime, removed.EndTime, remaining)
		}
		changed = true
		return day, nil
	})
	if errors.Is(err, ErrNoSchedule) {
		return "Error: no schedule has been published.", nil
	}
	if err != nil {
		observability.RecordShiftAudit(ctx, "shift_"+action, userID, "failed", map[string]interface{}{"date": date})
		return nil, fmt.Errorf("failed to update shifts for %s: %w", date, err)
	}

	if changed {
		observability.RecordShiftAudit(ctx, "shift_"+action, userID, "success", map[string]interface{}{
			"date":       date,
			"start_time": start,
			"end_time":   end,
		})
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Info().
			Str("action", action).
			Str("date", date).
			Str("member", userID).
			Msg("Shift updated")
	}
	return result, nil
}

func (t *tools) callOutDecl() toolexecutor.Declaration {
	return toolexecutor.Declaration{
		Name:        ToolShiftCallOut,
		Description: "Send a message to the whole staff group, for example to find someone who can cover a shift.",
		Parameters: []toolexecutor.Parameter{
			{Name: "message", Type: "string", Description: "Message text to broadcast", Required: true},
		},
	}
}

func (t *tools) callOut(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	message := strings.TrimSpace(stringArg(args, "message"))
	if message == "" {
		return "Error: message is required.", nil
	}
	if t.broadcaster == nil {
		return noCallOutBroadcasterMsg, nil
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if inv, ok := toolexecutor.InvocationFromContext(ctx); ok {
		logger = logger.With().Str("call_id", inv.ID).Logger()
	}
	record := CallOut{Message: message, Status: CallOutSent, SentAt: t.now().UTC()}
	result := callOutSentResult

	if err := t.broadcaster.Broadcast(ctx, message); err != nil {
		logger.Error().Err(err).Msg("Call-out broadcast failed")
		record.Status = CallOutFailed
		record.Error = err.Error()
		result = callOutFailedResult
	}

	if err := t.store.RecordCallOut(ctx, record); err != nil {
		logger.Error().Err(err).Msg("Failed to record call-out")
	}
	observability.RecordShiftAudit(ctx, "shift_call_out", tracing.GetUserID(ctx), record.Status, nil)
	return result, nil
}

func (t *tools) latestCallOutDecl() toolexecutor.Declaration {
	return toolexecutor.Declaration{
		Name:        ToolGetLatestCallOut,
		Description: "Get the most recent message sent to the staff group.",
	}
}

func (t *tools) latestCallOut(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	latest, ok, err := t.store.LatestCallOut(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load call-outs: %w", err)
	}
	if !ok {
		return "No call-out messages found.", nil
	}
	return latest.Message, nil
}

func (t *tools) memberName(ctx context.Context, userID string) string {
	m, ok, err := t.store.Member(ctx, userID)
	if err != nil || !ok || m.Name == "" {
		return unknownMemberName
	}
	return m.Name
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

func validateTimes(start, end string) string {
	s, err := time.Parse(clockLayout, start)
	if err != nil {
		return fmt.Sprintf("Error: invalid start time %q, expected HH:MM.", start)
	}
	e, err := time.Parse(clockLayout, end)
	if err != nil {
		return fmt.Sprintf("Error: invalid end time %q, expected HH:MM.", end)
	}
	if !e.After(s) {
		return fmt.Sprintf("Error: end time %s must be after start time %s.", end, start)
	}
	return ""
}
