package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"sale-discount-alerts/internal/app"
)

var (
	simulateCatalog  string
	simulateProduct  string
	simulateName     string
	simulateVariant  string
	simulateSkuPath  string
	simulateColor    string
	simulateColorLbl string
	simulateSize     string
	simulateSizeLbl  string
	simulateSale     float64
	simulateOriginal float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Push one synthetic discount event through the notification pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateVariant == "" || simulateColor == "" || simulateSize == "" {
			return errors.New("--variant, --color, and --size must be provided")
		}
		if simulateSale <= 0 || simulateOriginal <= 0 {
			return errors.New("--sale and --original must be greater than 0")
		}

		colorLabel := simulateColorLbl
		if colorLabel == "" {
			colorLabel = simulateColor
		}
		sizeLabel := simulateSizeLbl
		if sizeLabel == "" {
			sizeLabel = simulateSize
		}

		opts := app.SimulateOptions{
			Catalog:       simulateCatalog,
			ProductID:     simulateProduct,
			ProductName:   simulateName,
			VariantID:     simulateVariant,
			SkuPath:       simulateSkuPath,
			ColorCode:     simulateColor,
			ColorLabel:    colorLabel,
			SizeCode:      simulateSize,
			SizeLabel:     sizeLabel,
			SalePrice:     simulateSale,
			OriginalPrice: simulateOriginal,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCatalog, "catalog", "men", "Catalog of the simulated SKU")
	simulateCmd.Flags().StringVar(&simulateProduct, "product", "000000", "Product id")
	simulateCmd.Flags().StringVar(&simulateName, "name", "Simulated product", "Product name")
	simulateCmd.Flags().StringVar(&simulateVariant, "variant", "", "Variant id")
	simulateCmd.Flags().StringVar(&simulateSkuPath, "sku-path", "/uk/en/products/E000000-000", "Canonical SKU path")
	simulateCmd.Flags().StringVar(&simulateColor, "color", "", "Color code")
	simulateCmd.Flags().StringVar(&simulateColorLbl, "color-label", "", "Color label (defaults to color code)")
	simulateCmd.Flags().StringVar(&simulateSize, "size", "", "Size code")
	simulateCmd.Flags().StringVar(&simulateSizeLbl, "size-label", "", "Size label (defaults to size code)")
	simulateCmd.Flags().Float64Var(&simulateSale, "sale", 0, "Sale price")
	simulateCmd.Flags().Float64Var(&simulateOriginal, "original", 0, "Original price")
}
