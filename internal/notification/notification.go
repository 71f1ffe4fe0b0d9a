/*
Copyright 2025 Tradepost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradepost/escrow/config"
	"github.com/tradepost/escrow/internal/request"
)

// SlackNotification posts an operational message to the configured
// Slack webhook. Used for engine errors and dispute SLA escalations;
// silently a no-op when no webhook is configured.
func SlackNotification(title, body string) {
	conf, err := config.Fetch()
	if err != nil {
		log.Println(err)
		return
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}

	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": %q,
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": %q
					},
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, title, body, time.Now().Format(time.RFC822)))

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	if _, err := request.Call(req, &response); err != nil {
		log.Println(err)
	}
}

// NotifyError reports an engine error to the operations channel.
func NotifyError(systemError error) {
	logrus.Error(systemError)
	go SlackNotification("Error From Escrow Engine", fmt.Sprintf("*Error:*\n%v", systemError.Error()))
}

// NotifyDisputeEscalation flags a dispute that has blown past its SLA.
// Escalation is notify-only: resolution always needs an authorized
// moderator decision.
func NotifyDisputeEscalation(disputeID, transactionID string, openedAt time.Time) {
	logrus.WithFields(logrus.Fields{
		"dispute_id":     disputeID,
		"transaction_id": transactionID,
		"opened_at":      openedAt,
	}).Warn("dispute past SLA, escalating to moderation queue")
	go SlackNotification("Dispute SLA Breached",
		fmt.Sprintf("*Dispute:*\n%s on transaction %s, open since %s", disputeID, transactionID, openedAt.Format(time.RFC822)))
}
