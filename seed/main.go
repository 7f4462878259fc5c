// Seeds the mailbox with a few pending messages so the delivery loop has
// something to work on in local development.
package main

import (
	"fmt"
	"log"

	"github.com/mailbox-labs/courier/environments"
	"github.com/mailbox-labs/courier/internal/mailbox"
	"github.com/mailbox-labs/courier/internal/schema"
	"github.com/mailbox-labs/courier/internal/service"
)

func main() {
	cfg := environments.Load()

	mb := mailbox.New(cfg.Mailbox.Dir)
	for _, provider := range cfg.Mailbox.Providers {
		if err := mb.EnsureProvider(provider); err != nil {
			log.Fatalf("Failed to prepare mailbox for %s: %v", provider, err)
		}
	}

	limits := schema.Limits{
		MaxMessageBytes: cfg.Message.MaxMessageBytes,
		MaxAttachments:  cfg.Message.MaxAttachments,
	}
	svc := service.NewQueueService(mb, cfg.Mailbox.Providers, limits, nil)

	bodies := []string{
		"Deploy of api-gateway v2.14.0 finished without errors.",
		"Disk usage on db-01 crossed 85%. Investigate before Monday.",
		"Weekly digest: 132 messages delivered, 3 deadlettered.",
	}

	created := 0
	for _, provider := range cfg.Mailbox.Providers {
		for i, body := range bodies {
			to := fmt.Sprintf("ops-channel-%d", i+1)
			entry, err := svc.CreateMessage(provider, to, "text/markdown", body)
			if err != nil {
				log.Fatalf("Failed to create message for %s: %v", provider, err)
			}
			log.Printf("Created %s at %s", entry.ID, entry.FilePath)
			created++
		}
	}

	log.Printf("Seed completed successfully: %d messages created", created)
}
