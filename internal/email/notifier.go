package email

import (
	"github.com/dukerupert/serverbackup/internal/model"
)

// BackupNotifier mails backup results to the administrator address.
type BackupNotifier struct {
	Client *Client
	To     string
}

func (n *BackupNotifier) BackupCompleted(b model.Backup) error {
	return n.Client.SendBackupCompleted(n.To, b)
}

func (n *BackupNotifier) BackupFailed(_ model.Backup, reason string) error {
	return n.Client.SendBackupFailed(n.To, reason)
}
