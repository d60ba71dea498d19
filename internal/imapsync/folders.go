package imapsync

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/fho/mailsyncd/internal/imapsess"
)

const (
	MvboxFolderName = "DeltaChat"

	ConfigKeyFoldersConfigured = "folders_configured"
	ConfigKeyMvboxFolder       = "configured_mvbox_folder"
	ConfigKeySentboxFolder     = "configured_sentbox_folder"

	// FoldersConfiguredVersion is stored as value of
	// [ConfigKeyFoldersConfigured] after configuring the folders.
	FoldersConfiguredVersion = 3
)

type ConfigureFlags int

const (
	// ConfigureCreateMvbox creates the [MvboxFolderName] folder if it does
	// not exist.
	ConfigureCreateMvbox ConfigureFlags = 1 << iota
)

type FolderMeaning int

const (
	FolderMeaningUnknown FolderMeaning = iota
	FolderMeaningSentObjects
	FolderMeaningOther
)

func (m FolderMeaning) String() string {
	switch m {
	case FolderMeaningSentObjects:
		return "sent"
	case FolderMeaningOther:
		return "other"
	default:
		return "unknown"
	}
}

// sentFolderNames are lower-case names of sent folders used by common mail
// servers. The list is not exhaustive.
var sentFolderNames = []string{
	"sent",
	"sent objects",
	"sent items",
	"sent messages",
	"gesendet",
	"gesendete objekte",
	"envoyés",
	"éléments envoyés",
	"enviados",
	"inviati",
	"verzonden",
}

var otherFolderAttrs = []imap.MailboxAttr{
	imap.MailboxAttrJunk,
	imap.MailboxAttrTrash,
	imap.MailboxAttrDrafts,
	"\\Spam",
}

// FolderMeaningOf classifies a folder by its special-use attributes, and
// when they are inconclusive by its name. delim is the hierarchy delimiter
// of the folder, when it is 0 only the full name is compared.
func FolderMeaningOf(attrs []string, name string, delim rune) FolderMeaning {
	for _, attr := range attrs {
		if strings.EqualFold(attr, string(imap.MailboxAttrSent)) {
			return FolderMeaningSentObjects
		}

		for _, other := range otherFolderAttrs {
			if strings.EqualFold(attr, string(other)) {
				return FolderMeaningOther
			}
		}
	}

	return folderMeaningByName(name, delim)
}

func folderMeaningByName(name string, delim rune) FolderMeaning {
	candidates := []string{strings.ToLower(name)}

	if delim != 0 {
		if i := strings.LastIndex(name, string(delim)); i >= 0 && i < len(name)-1 {
			candidates = append(candidates, strings.ToLower(name[i+len(string(delim)):]))
		}
	}

	for _, c := range candidates {
		if slices.Contains(sentFolderNames, c) {
			return FolderMeaningSentObjects
		}
	}

	return FolderMeaningUnknown
}

// ConfigureFolders discovers the mvbox and sent folder and stores their
// names in the config store.
func (c *Client) ConfigureFolders(flags ConfigureFlags) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.logger.Info("configuring imap folders", "event", "imap.configure_folders")

	var folders []*imapsess.Folder
	err := c.withSession(func(sess imapsess.Session) error {
		var err error
		folders, err = sess.List()
		return err
	})
	if err != nil {
		return fmt.Errorf("listing folders failed: %w", err)
	}

	delimiter := c.learnDelimiter(folders)
	fallbackFolder := "INBOX" + string(delimiter) + MvboxFolderName

	var mvbox, sentbox string
	for _, f := range folders {
		if mvbox == "" && (f.Name == MvboxFolderName || f.Name == fallbackFolder) {
			mvbox = f.Name
		}

		folderDelim := f.Delim
		if folderDelim == 0 {
			folderDelim = delimiter
		}

		if sentbox == "" && FolderMeaningOf(f.Attrs, f.Name, folderDelim) == FolderMeaningSentObjects {
			sentbox = f.Name
		}
	}

	if mvbox == "" && flags&ConfigureCreateMvbox != 0 {
		mvbox = c.createMvbox(fallbackFolder)
	}

	// The configured marker is written last, a partially stored
	// configuration is redone on the next call.
	if mvbox != "" {
		if err := c.store.SetRawConfig(ConfigKeyMvboxFolder, mvbox); err != nil {
			return fmt.Errorf("storing mvbox folder failed: %w", err)
		}
	}

	if sentbox != "" {
		if err := c.store.SetRawConfig(ConfigKeySentboxFolder, sentbox); err != nil {
			return fmt.Errorf("storing sent folder failed: %w", err)
		}
	}

	if err := c.store.SetRawConfig(ConfigKeyFoldersConfigured, fmt.Sprint(FoldersConfiguredVersion)); err != nil {
		return fmt.Errorf("storing folder configuration version failed: %w", err)
	}

	c.logger.Info("imap folders configured",
		"mvbox", mvbox,
		"sentbox", sentbox,
		"delimiter", string(delimiter),
		"event", "imap.folders_configured",
	)

	return nil
}

// learnDelimiter stores the hierarchy delimiter announced in the LIST
// response. The delimiter of INBOX is preferred.
func (c *Client) learnDelimiter(folders []*imapsess.Folder) rune {
	var delimiter rune

	for _, f := range folders {
		if f.Delim == 0 {
			continue
		}

		if strings.EqualFold(f.Name, "INBOX") {
			delimiter = f.Delim
			break
		}

		if delimiter == 0 {
			delimiter = f.Delim
		}
	}

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()

	if delimiter != 0 {
		c.cfg.delimiter = delimiter
	}

	return c.cfg.delimiter
}

// createMvbox creates and subscribes the mvbox folder. If the server
// does not allow creating it at the top level it is created below INBOX.
// It returns the name of the created folder or an empty string.
func (c *Client) createMvbox(fallbackFolder string) string {
	var created string

	err := c.withSession(func(sess imapsess.Session) error {
		c.logger.Info("creating mvbox folder", lkFolder, MvboxFolderName)

		err := sess.Create(MvboxFolderName)
		if err == nil {
			created = MvboxFolderName
		} else {
			c.logger.Warn("creating mvbox folder failed, trying fallback",
				lkFolder, MvboxFolderName, "fallback", fallbackFolder, "error", err)

			if err := sess.Create(fallbackFolder); err != nil {
				return err
			}
			created = fallbackFolder
		}

		if err := sess.Subscribe(created); err != nil {
			c.logger.Warn("subscribing mvbox folder failed", lkFolder, created, "error", err)
		}

		return nil
	})
	if err != nil {
		c.logger.Warn("creating mvbox folder failed", "error", err)
		c.emit(EventWarning, "Cannot create MVBOX-folder, using default: %s", err)
	}

	return created
}
