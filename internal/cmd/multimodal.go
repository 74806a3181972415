package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/cloudmodel/endpoint-tools/internal/client"
	"github.com/cloudmodel/endpoint-tools/internal/models"
	"github.com/spf13/cobra"
)

// documentExtractionSchema constrains guided multimodal responses to a
// structured description of a scanned document.
const documentExtractionSchema = `{
  "type": "object",
  "properties": {
    "document_type": {"type": "string"},
    "title": {"type": "string"},
    "language": {"type": "string"},
    "text_content": {"type": "string"},
    "key_fields": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "value": {"type": "string"}
        },
        "required": ["name", "value"]
      }
    }
  },
  "required": ["document_type", "text_content"]
}`

var multimodalFlags struct {
	image       string
	guided      bool
	stream      bool
	output      string
	temperature float64
	maxTokens   int
}

var multimodalCmd = &cobra.Command{
	Use:   "multimodal [prompt]",
	Short: "Chat completion with an image attached",
	Long: `Send a chat completion request that includes an image. The image is read
from disk and embedded as a base64 data URL. With --guided the response is
constrained to a document extraction schema and written to --output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMultimodal,
}

func init() {
	rootCmd.AddCommand(multimodalCmd)

	multimodalCmd.Flags().StringVar(&multimodalFlags.image, "image", "", "path to the image file (required)")
	multimodalCmd.Flags().BoolVar(&multimodalFlags.guided, "guided", false, "constrain the response to a document extraction schema")
	multimodalCmd.Flags().BoolVar(&multimodalFlags.stream, "stream", false, "stream the response")
	multimodalCmd.Flags().StringVarP(&multimodalFlags.output, "output", "o", "output.json", "output file for guided responses")
	multimodalCmd.Flags().Float64VarP(&multimodalFlags.temperature, "temperature", "t", 0.2, "sampling temperature")
	multimodalCmd.Flags().IntVar(&multimodalFlags.maxTokens, "max-tokens", 1000, "maximum tokens to generate")
	multimodalCmd.MarkFlagRequired("image")
}

func runMultimodal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireEndpoint(cfg); err != nil {
		return err
	}

	prompt := "Describe this image in detail."
	if multimodalFlags.guided {
		prompt = "Extract the content of this document."
	}
	if len(args) > 0 {
		prompt = args[0]
	}

	fmt.Printf("Encoding image %s...\n", multimodalFlags.image)
	dataURL, err := client.EncodeImageFile(multimodalFlags.image)
	if err != nil {
		return err
	}

	c := client.New(cfg.Endpoint.BaseURL, cfg.Endpoint.APIKey,
		client.WithTimeout(cfg.Endpoint.Timeout))

	req := &models.ChatCompletionRequest{
		Model: cfg.Endpoint.Model,
		Messages: []models.ChatCompletionMessage{
			{
				Role: "user",
				Content: []models.ContentPart{
					{Type: "text", Text: prompt},
					{Type: "image_url", ImageURL: &models.ImageURL{URL: dataURL}},
				},
			},
		},
		Temperature: multimodalFlags.temperature,
		MaxTokens:   multimodalFlags.maxTokens,
	}
	if multimodalFlags.guided {
		req.GuidedJSON = json.RawMessage(documentExtractionSchema)
		req.GuidedDecodingBackend = "xgrammar"
	}

	var content string
	if multimodalFlags.stream {
		fmt.Println("Sending multimodal request (streaming)...")
		fmt.Println(strings.Repeat("-", 60))
		full, usage, err := c.StreamText(cmd.Context(), req, func(delta string) {
			fmt.Print(delta)
		})
		if err != nil {
			return err
		}
		fmt.Println("\n" + strings.Repeat("-", 60))
		printUsage(usage)
		content = full
	} else {
		fmt.Println("Sending multimodal request...")
		resp, err := c.Complete(cmd.Context(), req)
		if err != nil {
			return err
		}
		content = resp.Choices[0].Message.ContentText()
		fmt.Println(strings.Repeat("-", 60))
		fmt.Println(content)
		fmt.Println(strings.Repeat("-", 60))
		printUsage(resp.Usage)
	}

	if multimodalFlags.guided {
		return writeGuidedOutput(multimodalFlags.output, content)
	}
	return nil
}

// writeGuidedOutput pretty-prints the structured response to a file, falling
// back to raw content when the backend returned invalid JSON.
func writeGuidedOutput(path, content string) error {
	out := []byte(content)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out, "", "  "); err == nil {
		out = pretty.Bytes()
	} else {
		fmt.Printf("Warning: response is not valid JSON, writing raw content: %v\n", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	fmt.Printf("Structured output written to %s\n", path)
	return nil
}
