package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudmodel/endpoint-tools/internal/config"
	"github.com/cloudmodel/endpoint-tools/internal/rag"
	"github.com/cloudmodel/endpoint-tools/internal/storage"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var ragCmd = &cobra.Command{
	Use:   "rag",
	Short: "Work with the RAG backend (files, context, chat)",
}

func init() {
	rootCmd.AddCommand(ragCmd)
}

// ragClient builds a client for the configured RAG backend.
func ragClient(cfg *config.Config) *rag.Client {
	return rag.New(cfg.RAG.URL, cfg.RAG.APIKey, rag.WithTimeout(cfg.RAG.Timeout))
}

// confirm prompts for a y/n answer on stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// ---- rag upload ----

var ragUploadFlags struct {
	dir      string
	userID   string
	docID    string
	groupIDs []string
	metadata string
}

var ragUploadCmd = &cobra.Command{
	Use:   "upload [file...]",
	Short: "Upload documents to the RAG backend",
	Long: `Upload documents for indexing. Files can be named directly or discovered
with --dir, which picks up supported documents (pdf, docx, md, txt) in that
directory. Ids of successful uploads are recorded in a manifest file so they
can be deleted later.`,
	RunE: runRagUpload,
}

var ragFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List documents stored in the RAG backend",
	RunE:  runRagFiles,
}

var ragDeleteFlags struct {
	manifest string
	all      bool
	yes      bool
}

var ragDeleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Delete documents from the RAG backend",
	Long: `Delete documents by id, with --manifest every document recorded in one
upload manifest, or with --all every document recorded in any manifest in the
current directory. When deleting from a manifest, entries that were removed
successfully are dropped from the manifest file; the file itself is removed
once empty.`,
	RunE: runRagDelete,
}

func init() {
	ragCmd.AddCommand(ragUploadCmd)
	ragCmd.AddCommand(ragFilesCmd)
	ragCmd.AddCommand(ragDeleteCmd)

	ragUploadCmd.Flags().StringVar(&ragUploadFlags.dir, "dir", "", "upload all supported documents in this directory")
	ragUploadCmd.Flags().StringVar(&ragUploadFlags.userID, "user", "", "user id to attach to the documents")
	ragUploadCmd.Flags().StringVar(&ragUploadFlags.docID, "document-id", "", "explicit document id (single file only)")
	ragUploadCmd.Flags().StringArrayVar(&ragUploadFlags.groupIDs, "group", nil, "group id to attach (repeatable)")
	ragUploadCmd.Flags().StringVar(&ragUploadFlags.metadata, "metadata", "", "document metadata as a JSON object")

	ragDeleteCmd.Flags().StringVar(&ragDeleteFlags.manifest, "manifest", "", "delete every document listed in this upload manifest")
	ragDeleteCmd.Flags().BoolVar(&ragDeleteFlags.all, "all", false, "delete documents from every upload manifest in the current directory")
	ragDeleteCmd.Flags().BoolVarP(&ragDeleteFlags.yes, "yes", "y", false, "skip the confirmation prompt")
}

func runRagUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireRAG(cfg); err != nil {
		return err
	}

	paths := args
	if ragUploadFlags.dir != "" {
		found, err := rag.FindDocuments(ragUploadFlags.dir)
		if err != nil {
			return err
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files to upload: name files or pass --dir")
	}
	if ragUploadFlags.docID != "" && len(paths) > 1 {
		return fmt.Errorf("--document-id only makes sense with a single file")
	}

	opts := &rag.UploadOptions{
		UserID:     ragUploadFlags.userID,
		DocumentID: ragUploadFlags.docID,
		GroupIDs:   ragUploadFlags.groupIDs,
	}
	if ragUploadFlags.metadata != "" {
		if err := json.Unmarshal([]byte(ragUploadFlags.metadata), &opts.Metadata); err != nil {
			return fmt.Errorf("invalid --metadata: %w", err)
		}
	}

	c := ragClient(cfg)
	fmt.Printf("Uploading %d file(s) to %s...\n\n", len(paths), cfg.RAG.URL)

	uploaded := make(map[string]string)
	var failed int
	for _, path := range paths {
		fmt.Printf("  %s ... ", path)
		resp, err := c.UploadFile(cmd.Context(), path, opts)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failed++
			continue
		}
		fmt.Printf("ok (id=%s)\n", resp.ID)
		uploaded[path] = resp.ID
	}

	fmt.Printf("\nUploaded %d of %d file(s)", len(uploaded), len(paths))
	if failed > 0 {
		fmt.Printf(" (%d failed)", failed)
	}
	fmt.Println()

	if len(uploaded) > 0 {
		store := storage.NewManifestStore(".")
		manifestPath, err := store.Save(uploaded)
		if err != nil {
			return fmt.Errorf("uploads succeeded but manifest could not be written: %w", err)
		}
		fmt.Printf("Manifest written to %s\n", manifestPath)
	}

	if failed > 0 {
		return fmt.Errorf("%d upload(s) failed", failed)
	}
	return nil
}

func runRagFiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireRAG(cfg); err != nil {
		return err
	}

	files, err := ragClient(cfg).ListFiles(cmd.Context())
	if err != nil {
		return err
	}

	if len(files) == 0 {
		fmt.Println("No files stored in the RAG backend.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"ID", "Filename", "User", "Groups"})
	for _, f := range files {
		table.Append([]string{
			stringField(f, "id"),
			stringField(f, "filename"),
			stringField(f, "user_id"),
			joinField(f, "group_ids"),
		})
	}
	table.Render()

	fmt.Printf("\nTotal: %d file(s)\n", len(files))
	return nil
}

func runRagDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireRAG(cfg); err != nil {
		return err
	}

	c := ragClient(cfg)

	if ragDeleteFlags.all {
		if len(args) > 0 || ragDeleteFlags.manifest != "" {
			return fmt.Errorf("--all cannot be combined with ids or --manifest")
		}
		store := storage.NewManifestStore(".")
		manifests, err := store.List()
		if err != nil {
			return err
		}
		if len(manifests) == 0 {
			fmt.Println("No upload manifests found in the current directory.")
			return nil
		}
		for _, m := range manifests {
			fmt.Printf("Manifest %s:\n", m)
			if err := deleteFromManifest(cmd, c, m); err != nil {
				return err
			}
		}
		return nil
	}

	if ragDeleteFlags.manifest != "" {
		if len(args) > 0 {
			return fmt.Errorf("name ids or pass --manifest, not both")
		}
		return deleteFromManifest(cmd, c, ragDeleteFlags.manifest)
	}

	if len(args) == 0 {
		return fmt.Errorf("no document ids given: name ids or pass --manifest or --all")
	}

	if !ragDeleteFlags.yes && !confirm(fmt.Sprintf("Delete %d document(s)?", len(args))) {
		fmt.Println("Aborted.")
		return nil
	}

	var failed int
	for _, id := range args {
		fmt.Printf("  %s ... ", id)
		resp, err := c.DeleteFile(cmd.Context(), id)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failed++
			continue
		}
		if !resp.Success {
			fmt.Printf("FAILED: %s\n", resp.Message)
			failed++
			continue
		}
		fmt.Println("deleted")
	}

	if failed > 0 {
		return fmt.Errorf("%d delete(s) failed", failed)
	}
	return nil
}

func deleteFromManifest(cmd *cobra.Command, c *rag.Client, path string) error {
	store := storage.NewManifestStore(".")
	entries, err := store.Load(path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Manifest is empty, nothing to delete.")
		return store.Remove(path)
	}

	if !ragDeleteFlags.yes && !confirm(fmt.Sprintf("Delete %d document(s) from %s?", len(entries), path)) {
		fmt.Println("Aborted.")
		return nil
	}

	remaining := make(map[string]string, len(entries))
	for file, id := range entries {
		remaining[file] = id
	}

	var failed int
	for file, id := range entries {
		fmt.Printf("  %s (id=%s) ... ", file, id)
		resp, err := c.DeleteFile(cmd.Context(), id)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failed++
			continue
		}
		if !resp.Success {
			fmt.Printf("FAILED: %s\n", resp.Message)
			failed++
			continue
		}
		fmt.Println("deleted")
		delete(remaining, file)
	}

	if err := store.Rewrite(path, remaining); err != nil {
		return err
	}
	if len(remaining) == 0 {
		fmt.Printf("All documents deleted, manifest %s removed.\n", path)
	} else {
		fmt.Printf("%d entry(ies) left in %s.\n", len(remaining), path)
	}

	if failed > 0 {
		return fmt.Errorf("%d delete(s) failed", failed)
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func joinField(m map[string]interface{}, key string) string {
	v, ok := m[key].([]interface{})
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(v))
	for _, item := range v {
		parts = append(parts, fmt.Sprintf("%v", item))
	}
	return strings.Join(parts, ",")
}
