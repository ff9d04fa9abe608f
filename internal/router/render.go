package router

import (
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"forwardbot/internal/storage"
	"forwardbot/pkg/tgui"
)

const (
	welcomeText = "👋 Welcome! Let's set up auto-forwarding.\n\n" +
		"Send me the group where your message should go. You can send a " +
		"t.me link, an @username, or a numeric chat ID.\n\n" +
		"Use /cancel at any point to abort."

	askMessageText = "✅ Destination set: %s\n\n" +
		"Now send me the message you want forwarded. Any message works, " +
		"text or media."

	askIntervalText = "👌 Got it. How often should I forward it?"

	taskCreatedText = "🎉 Task #%d created!\n\n" +
		"Your message will be forwarded to %s every %s. " +
		"The first forward is on its way."

	cancelledText     = "Setup cancelled. Use /start to begin again."
	nothingCancelText = "Nothing to cancel. Use /start to set up a forwarding task."

	sessionExpiredText = "This menu has expired. Use /start to set up a new task."
	useButtonsText     = "Please pick an interval using the buttons above, or /cancel."

	idleHintText = "I didn't catch that. Use /start to set up auto-forwarding, " +
		"or /help to see what I can do."

	helpText = "🤖 I forward a message of yours to a group on a schedule.\n\n" +
		"/start — set up a new forwarding task\n" +
		"/mytasks — list your tasks\n" +
		"/stoptask_N — stop task N (also: /stoptask N)\n" +
		"/status — summary of your running tasks\n" +
		"/cancel — abort the current setup\n" +
		"/help — this message"

	noTasksText = "You have no tasks yet. Use /start to create one."
)

const timeLayout = "2006-01-02 15:04"

func hoursLabel(n int) string {
	if n == 1 {
		return "1 hour"
	}
	return fmt.Sprintf("%d hours", n)
}

// intervalKeyboard builds the 1..6 hour picker, two rows of three.
func intervalKeyboard() *tgui.Inline {
	btn := func(h int) tele.Btn {
		return tgui.Btn(hoursLabel(h), tgui.Data("fwd", "int", strconv.Itoa(h)))
	}
	return tgui.NewInline().
		Row(btn(1), btn(2), btn(3)).
		Row(btn(4), btn(5), btn(6))
}

func renderTaskLine(t storage.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d → %s — every %s", t.ID, t.DestinationTitle, hoursLabel(t.IntervalHours))
	if t.Status == storage.TaskActive {
		fmt.Fprintf(&b, " — ✅ active — forwarded %d×", t.ForwardCount)
		if !t.LastForwardAt.IsZero() {
			fmt.Fprintf(&b, ", last %s", t.LastForwardAt.Format(timeLayout))
		}
	} else {
		b.WriteString(" — 🛑 stopped")
		if t.StoppedAt != nil {
			fmt.Fprintf(&b, " %s", t.StoppedAt.Format(timeLayout))
		}
	}
	return b.String()
}

func renderTaskList(tasks []storage.Task) string {
	if len(tasks) == 0 {
		return noTasksText
	}
	var b strings.Builder
	b.WriteString("📋 Your tasks:\n")
	for _, t := range tasks {
		b.WriteString("\n")
		b.WriteString(renderTaskLine(t))
	}
	b.WriteString("\n\nStop one with /stoptask_N.")
	return b.String()
}

func renderStatus(tasks []storage.Task, running int) string {
	active, stopped, forwards := 0, 0, 0
	for _, t := range tasks {
		forwards += t.ForwardCount
		if t.Status == storage.TaskActive {
			active++
		} else {
			stopped++
		}
	}
	if active+stopped == 0 {
		return noTasksText
	}
	return fmt.Sprintf("📊 Status: %d tasks (%d active, %d stopped), %d running jobs, %d forwards delivered in total.",
		active+stopped, active, stopped, running, forwards)
}

func renderTaskCreated(t storage.Task) string {
	return fmt.Sprintf(taskCreatedText, t.ID, t.DestinationTitle, hoursLabel(t.IntervalHours))
}

func renderStopResult(taskID int, found bool, known *storage.Task) string {
	if found {
		return fmt.Sprintf("🛑 Task #%d stopped.", taskID)
	}
	if known != nil && known.Status == storage.TaskStopped {
		return fmt.Sprintf("Task #%d is already stopped.", taskID)
	}
	return fmt.Sprintf("No active task #%d found. Check /mytasks.", taskID)
}
