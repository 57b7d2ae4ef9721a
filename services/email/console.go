package emailsvc

import (
	"fmt"
	"log"
	"net/mail"
	"strings"
	"sync"

	"github.com/schoolyard/portal/core"
)

var (
	// SentMessages records rendered messages for test assertions.
	SentMessages = make([]core.EmailMessage, 0)
	mu           sync.Mutex
)

type consoleService struct {
	conf          *core.Config
	subjPrefix    string
	disableOutput bool
}

var _ core.EmailService = (*consoleService)(nil)

func NewConsoleService(conf *core.Config) core.EmailService {
	return &consoleService{
		conf:          conf,
		subjPrefix:    "[" + conf.AppName + "] ",
		disableOutput: conf.TestMode,
	}
}

func (svc consoleService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		msg := msg
		go func() {
			if err := msg.Render(svc.conf); err != nil {
				log.Printf("rendering email: %v", err)
				return
			}
			if msg.HasRecipients() && msg.HasContent() {
				svc.send(*msg)
			}
		}()
	}
}

func (svc consoleService) send(msg core.EmailMessage) {
	mu.Lock()
	SentMessages = append(SentMessages, msg)
	mu.Unlock()

	if svc.disableOutput {
		return
	}
	var out strings.Builder
	out.WriteString("\n---------- EMAIL ----------\n")
	out.WriteString(fmt.Sprintf("To: %s\n", joinAddresses(msg.To)))
	out.WriteString(fmt.Sprintf("Subject: %s%s\n\n", svc.subjPrefix, msg.Subject))
	out.WriteString(msg.TextContent)
	out.WriteString("\n---------------------------\n")
	log.Print(out.String())
}

func joinAddresses(addrs []mail.Address) string {
	strs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		strs = append(strs, a.String())
	}
	return strings.Join(strs, ", ")
}
