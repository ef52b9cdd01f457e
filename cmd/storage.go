package cmd

import (
	"context"
	"fmt"
	"log"

	"Bandmate/config"
	"Bandmate/storage"

	"github.com/spf13/cobra"
)

var (
	storagePrefix    string
	storageRecursive bool
	storageDelete    bool
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "对象存储巡检",
	Long:  `查看和管理存储桶中的曲目文件，支持按前缀列出、递归统计、删除目录。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		client, err := storage.NewMinioClient(
			cfg.MinioEndpoint,
			cfg.MinioAccessKey,
			cfg.MinioSecretKey,
			cfg.MinioBucket,
			cfg.MinioUseSSL,
		)
		if err != nil {
			log.Fatalf("创建MinIO客户端失败: %v", err)
		}

		ctx := context.Background()

		if storageDelete {
			if storagePrefix == "" {
				log.Fatal("删除操作需要指定目录前缀")
			}
			fmt.Printf("删除目录: %s\n", storagePrefix)
			if err := client.DeleteDirectory(ctx, storagePrefix); err != nil {
				log.Fatalf("删除目录失败: %v", err)
			}
			fmt.Println("删除完成")
			return
		}

		objects, stats, err := client.ListObjects(ctx, storagePrefix, storageRecursive)
		if err != nil {
			log.Fatalf("列出文件失败: %v", err)
		}
		for _, obj := range objects {
			fmt.Printf("%-60s %10s  %s  %s\n", obj.Key, storage.FormatSize(obj.Size), obj.LastModified, obj.ContentType)
		}
		fmt.Printf("\n共 %d 个对象, 总大小 %s\n", stats.ObjectCount, storage.FormatSize(stats.TotalSize))
	},
}

func init() {
	storageCmd.Flags().StringVarP(&storagePrefix, "prefix", "p", "", "对象前缀")
	storageCmd.Flags().BoolVarP(&storageRecursive, "recursive", "r", false, "递归列出子目录")
	storageCmd.Flags().BoolVarP(&storageDelete, "delete", "d", false, "删除指定前缀下的全部对象")
	rootCmd.AddCommand(storageCmd)
}
