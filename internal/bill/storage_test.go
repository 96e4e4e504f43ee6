package bill

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			filename string
			key      string
			err      error
		)

		JustBeforeEach(func() {
			key, err = storage.Save(filename, []byte("%PDF-1.4"))
		})

		When("the name is plain", func() {
			BeforeEach(func() {
				filename = "bill.pdf"
			})

			It("writes the file under its name", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(key).To(Equal("bill.pdf"))
				Expect(filepath.Join(tmpDir, "bill.pdf")).To(BeAnExistingFile())
			})
		})

		When("the name contains directories", func() {
			BeforeEach(func() {
				filename = "../../etc/bill.pdf"
			})

			It("keeps the file inside the storage directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(key).To(Equal("bill.pdf"))
				Expect(filepath.Join(tmpDir, "bill.pdf")).To(BeAnExistingFile())
			})
		})
	})

	Describe("Get and Delete", func() {
		BeforeEach(func() {
			_, err := storage.Save("bill.pdf", []byte("content"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("reads the stored content", func() {
			data, err := storage.Get("bill.pdf")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("content"))
		})

		It("removes the file", func() {
			Expect(storage.Delete("bill.pdf")).To(Succeed())
			_, err := storage.Get("bill.pdf")
			Expect(err).To(HaveOccurred())
		})

		It("returns an error for a missing file", func() {
			Expect(storage.Delete("missing.pdf")).To(HaveOccurred())
		})
	})
})
